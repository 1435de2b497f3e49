// Package actor implements actor identity and lifecycle: creation with
// owner credentials, metadata, last-response bookkeeping, and deletion
// with the mandatory cascade across every owned entity.
package actor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

// trustCascader tears down reciprocal trusts during actor deletion.
// Implemented by trust.Service; defined here to keep the actor service
// testable without the full trust engine.
type trustCascader interface {
	DeleteReciprocalTrust(ctx context.Context, actorID, peerID string, deletePeer bool) (bool, error)
}

// Meta is the discovery document served at /meta. Supports lists the
// callback envelope types this deployment can process; peers consult it
// before sending resync callbacks.
type Meta struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	BaseURI  string   `json:"base_uri"`
	Version  string   `json:"version"`
	Desc     string   `json:"desc,omitempty"`
	Supports []string `json:"supports,omitempty"`
}

// Service implements actor lifecycle business logic.
type Service struct {
	store    store.Store
	trusts   trustCascader // nil until the trust engine is wired
	hooks    *hooks.Registry
	rootURI  string // server root used to derive actor base URIs
	actType  string // mini-app type URI served in /meta
	version  string
	logger   *zap.Logger
}

// NewService creates an actor Service. rootURI is the externally
// reachable server root; actorType identifies this mini-app class.
func NewService(st store.Store, hookReg *hooks.Registry, rootURI, actorType, version string, logger *zap.Logger) *Service {
	if hookReg == nil {
		hookReg = &hooks.Registry{}
	}
	return &Service{
		store:   st,
		hooks:   hookReg,
		rootURI: rootURI,
		actType: actorType,
		version: version,
		logger:  logger,
	}
}

// SetTrustCascader wires the trust engine used for reciprocal teardown
// during actor deletion.
func (s *Service) SetTrustCascader(tc trustCascader) {
	s.trusts = tc
}

// Create registers a new actor. The generated passphrase is returned
// once in clear; only its bcrypt hash is stored.
func (s *Service) Create(ctx context.Context, creator string) (*model.Actor, string, error) {
	if creator == "" {
		return nil, "", model.NewValidationError("creator is required")
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		return nil, "", fmt.Errorf("generate passphrase: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash passphrase: %w", err)
	}

	id := uuid.NewString()
	a := &model.Actor{
		ID:             id,
		Creator:        creator,
		PassphraseHash: string(hash),
		BaseURI:        s.rootURI + "/" + id,
		Type:           s.actType,
	}
	if err := s.store.CreateActor(ctx, a); err != nil {
		return nil, "", fmt.Errorf("create actor: %w", err)
	}

	s.hooks.DispatchActorCreated(ctx, a)
	s.logger.Info("actor created",
		zap.String("actor_id", a.ID),
		zap.String("creator", creator),
	)
	return a, passphrase, nil
}

// Get fetches an actor by ID.
func (s *Service) Get(ctx context.Context, actorID string) (*model.Actor, error) {
	return s.store.GetActor(ctx, actorID)
}

// Authenticate checks owner credentials (creator + passphrase) against
// the stored hash.
func (s *Service) Authenticate(ctx context.Context, actorID, creator, passphrase string) (*model.Actor, error) {
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if a.Creator != creator {
		return nil, errors.New("creator mismatch")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PassphraseHash), []byte(passphrase)); err != nil {
		return nil, errors.New("invalid passphrase")
	}
	return a, nil
}

// Meta builds the public discovery document for an actor.
func (s *Service) Meta(ctx context.Context, actorID string) (*Meta, error) {
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return &Meta{
		ID:       a.ID,
		Type:     a.Type,
		BaseURI:  a.BaseURI,
		Version:  s.version,
		Supports: []string{"diff", "resync"},
	}, nil
}

// RecordPeerResponse stores the outcome of the latest peer interaction
// on the actor row. Last write wins; no coordination.
func (s *Service) RecordPeerResponse(ctx context.Context, actorID string, code int, message string) {
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return
	}
	a.LastResponseCode = code
	a.LastResponseMessage = message
	if err := s.store.UpdateActor(ctx, a); err != nil {
		s.logger.Warn("record peer response", zap.String("actor_id", actorID), zap.Error(err))
	}
}

// Delete destroys the actor and everything it owns. Reciprocal trusts to
// non-OAuth2 peers are torn down first so the remote side is notified
// before local rows disappear. A peer-side failure does not abort the
// local cascade.
func (s *Service) Delete(ctx context.Context, actorID string) error {
	if _, err := s.store.GetActor(ctx, actorID); err != nil {
		return err
	}

	if s.trusts != nil {
		trusts, err := s.store.ListTrusts(ctx, actorID)
		if err != nil {
			return fmt.Errorf("list trusts for cascade: %w", err)
		}
		for _, t := range trusts {
			if _, err := s.trusts.DeleteReciprocalTrust(ctx, actorID, t.PeerID, true); err != nil {
				s.logger.Warn("reciprocal trust teardown during actor delete",
					zap.String("actor_id", actorID),
					zap.String("peer_id", t.PeerID),
					zap.Error(err),
				)
			}
		}
	}

	// Local cascade. Order matters only for observability: nothing below
	// references anything deleted above.
	if err := s.store.DeleteAllSubscriptions(ctx, actorID); err != nil {
		return fmt.Errorf("cascade subscriptions: %w", err)
	}
	if err := s.store.DeleteAllProperties(ctx, actorID); err != nil {
		return fmt.Errorf("cascade properties: %w", err)
	}
	if err := s.store.DeleteAllTrusts(ctx, actorID); err != nil {
		return fmt.Errorf("cascade trusts: %w", err)
	}
	if err := s.store.DeleteAllBuckets(ctx, actorID); err != nil {
		return fmt.Errorf("cascade attributes: %w", err)
	}
	if err := s.store.DeleteActor(ctx, actorID); err != nil {
		return fmt.Errorf("delete actor row: %w", err)
	}

	s.hooks.DispatchActorDeleted(ctx, actorID)
	s.logger.Info("actor deleted", zap.String("actor_id", actorID))
	return nil
}

// generatePassphrase creates a random 32-byte hex-encoded secret.
func generatePassphrase() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
