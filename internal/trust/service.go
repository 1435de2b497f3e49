// Package trust implements the reciprocal trust engine: the outbound
// handshake, the inbound request path with verification callback,
// approval propagation, permission overrides, and the deletion cascade
// that scrubs every peer-scoped artifact.
package trust

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/permission"
	"github.com/actingweb/actingweb-go/internal/store"
)

// metaAttempts is how many times the peer meta fetch is tried during the
// outbound handshake before giving up.
const metaAttempts = 3

// peerClient is the subset of the peer HTTP client the trust engine
// needs. Satisfied by *peer.Client.
type peerClient interface {
	Meta(ctx context.Context, baseURI string) (*peer.Meta, error)
	CreateTrust(ctx context.Context, baseURI, relationship string, req *peer.TrustRequest) (int, error)
	GetTrust(ctx context.Context, baseURI, relationship, peerID, secret string) (*peer.TrustDoc, error)
	NotifyTrustApproval(ctx context.Context, baseURI, relationship, peerID, secret string) error
	DeleteTrust(ctx context.Context, baseURI, relationship, peerID, secret string) error
	InvalidateMeta(baseURI string)
}

// responseRecorder stores the outcome of the latest peer interaction on
// the actor row. Satisfied by *actor.Service.
type responseRecorder interface {
	RecordPeerResponse(ctx context.Context, actorID string, code int, message string)
}

// IncomingTrustRequest is the decoded body of a trust request POSTed to
// us by a peer.
type IncomingTrustRequest struct {
	PeerID   string
	BaseURI  string
	PeerType string
	Secret   string
	Desc     string
	Verify   string
}

// Service implements trust business logic for one deployment.
type Service struct {
	store        store.Store
	client       peerClient
	hooks        *hooks.Registry
	autoApprove  map[string]bool
	requiredType string // when set, incoming peers must declare this type
	responses    responseRecorder // nil until the actor service is wired
	retryDelay   time.Duration
	logger       *zap.Logger
}

// NewService creates a trust Service. autoApprove lists relationship
// names for which incoming requests are approved without owner action.
func NewService(st store.Store, client peerClient, hookReg *hooks.Registry, autoApprove []string, logger *zap.Logger) *Service {
	if hookReg == nil {
		hookReg = &hooks.Registry{}
	}
	auto := make(map[string]bool, len(autoApprove))
	for _, rel := range autoApprove {
		auto[rel] = true
	}
	return &Service{
		store:       st,
		client:      client,
		hooks:       hookReg,
		autoApprove: auto,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
	}
}

// SetRequiredPeerType restricts trusts, incoming and initiated, to peers
// that declare the given mini-app type. Empty accepts any type.
func (s *Service) SetRequiredPeerType(t string) {
	s.requiredType = t
}

// SetResponseRecorder wires last-response bookkeeping after construction.
func (s *Service) SetResponseRecorder(r responseRecorder) {
	s.responses = r
}

// recordPeer stores the outcome of one peer interaction. A transport
// timeout is recorded as 408 per the wire conventions.
func (s *Service) recordPeer(ctx context.Context, actorID string, status int, err error) {
	if s.responses == nil {
		return
	}
	switch {
	case err == nil:
		s.responses.RecordPeerResponse(ctx, actorID, status, "")
	case errors.Is(err, peer.ErrTimeout):
		s.responses.RecordPeerResponse(ctx, actorID, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, peer.ErrNotFound):
		s.responses.RecordPeerResponse(ctx, actorID, http.StatusNotFound, err.Error())
	default:
		s.responses.RecordPeerResponse(ctx, actorID, http.StatusBadGateway, err.Error())
	}
}

// Relationships lists the relationship tiers this deployment understands.
func (s *Service) Relationships() []string {
	return permission.Tiers()
}

// Get fetches one trust.
func (s *Service) Get(ctx context.Context, actorID, peerID string) (*model.Trust, error) {
	return s.store.GetTrust(ctx, actorID, peerID)
}

// List returns all trusts for an actor.
func (s *Service) List(ctx context.Context, actorID string) ([]*model.Trust, error) {
	return s.store.ListTrusts(ctx, actorID)
}

// FindBySecret resolves a bearer trust secret to its trust row, used by
// peer authentication middleware.
func (s *Service) FindBySecret(ctx context.Context, actorID, secret string) (*model.Trust, error) {
	return s.store.FindTrustBySecret(ctx, actorID, secret)
}

// fetchMetaWithRetry fetches the peer discovery document with a small
// exponential backoff. Only transient fetches are retried; a 404 is
// final.
func (s *Service) fetchMetaWithRetry(ctx context.Context, baseURI string) (*peer.Meta, error) {
	var lastErr error
	delay := s.retryDelay
	for attempt := 0; attempt < metaAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		m, err := s.client.Meta(ctx, baseURI)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, peer.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("peer meta after %d attempts: %w", metaAttempts, lastErr)
}

// CreateReciprocal initiates a trust handshake with the actor at peerURI.
// The local row exists before the peer is contacted and is rolled back if
// the peer rejects or cannot be reached. On a 201 the peer auto-approved;
// on a 202 the relationship stays pending peer approval.
func (s *Service) CreateReciprocal(ctx context.Context, actorID, peerURI, relationship, desc string) (*model.Trust, error) {
	if relationship == "" {
		return nil, model.NewValidationError("relationship is required")
	}
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	m, err := s.fetchMetaWithRetry(ctx, peerURI)
	if err != nil {
		return nil, fmt.Errorf("discover peer: %w", err)
	}
	if m.ID == "" {
		return nil, model.NewValidationError("peer meta has no actor id")
	}
	if m.ID == actorID {
		return nil, model.NewValidationError("cannot trust self")
	}
	if s.requiredType != "" && m.Type != s.requiredType {
		return nil, model.NewValidationError("peer type " + m.Type + " is not accepted")
	}
	if _, err := s.store.GetTrust(ctx, actorID, m.ID); err == nil {
		return nil, model.NewValidationError("trust already exists for peer")
	}

	secret, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	verify, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	t := &model.Trust{
		ActorID:           actorID,
		PeerID:            m.ID,
		BaseURI:           m.BaseURI,
		Secret:            secret,
		PeerType:          m.Type,
		Relationship:      relationship,
		Desc:              desc,
		Approved:          true, // the initiator approves its own side
		Verified:          true, // the initiator needs no verification handshake
		VerificationToken: verify,
		EstablishedVia:    model.ViaTrust,
	}
	if err := s.store.PutTrust(ctx, t); err != nil {
		return nil, fmt.Errorf("store trust: %w", err)
	}

	status, err := s.client.CreateTrust(ctx, m.BaseURI, relationship, &peer.TrustRequest{
		ID:      actorID,
		BaseURI: a.BaseURI,
		Type:    a.Type,
		Secret:  secret,
		Desc:    desc,
		Verify:  verify,
	})
	s.recordPeer(ctx, actorID, status, err)
	if err != nil || (status != http.StatusCreated && status != http.StatusAccepted) {
		if derr := s.store.DeleteTrust(ctx, actorID, m.ID); derr != nil {
			s.logger.Error("trust rollback", zap.String("actor_id", actorID), zap.Error(derr))
		}
		if err != nil {
			return nil, fmt.Errorf("peer trust request: %w", err)
		}
		return nil, fmt.Errorf("peer trust request returned status %d", status)
	}

	if status == http.StatusCreated {
		t.PeerApproved = true
		if err := s.store.PutTrust(ctx, t); err != nil {
			return nil, fmt.Errorf("store peer approval: %w", err)
		}
		s.hooks.DispatchTrustApproved(ctx, t)
	}
	s.logger.Info("reciprocal trust created",
		zap.String("actor_id", actorID),
		zap.String("peer_id", t.PeerID),
		zap.String("relationship", relationship),
		zap.Bool("peer_approved", t.PeerApproved),
	)
	return t, nil
}

// HandleIncoming processes a trust request POSTed to us by a peer. The
// stored row is then verified against the initiator with a callback GET;
// verification failure keeps the trust but leaves it unverified. Returns
// the trust and whether it was auto-approved.
func (s *Service) HandleIncoming(ctx context.Context, actorID, relationship string, req *IncomingTrustRequest) (*model.Trust, bool, error) {
	if req.PeerID == "" || req.Secret == "" || req.BaseURI == "" {
		return nil, false, model.NewValidationError("peer id, base_uri and secret are required")
	}
	if s.requiredType != "" && req.PeerType != s.requiredType {
		return nil, false, model.NewValidationError("peer type " + req.PeerType + " is not accepted")
	}
	if _, err := s.store.GetActor(ctx, actorID); err != nil {
		return nil, false, err
	}
	if _, err := s.store.GetTrust(ctx, actorID, req.PeerID); err == nil {
		return nil, false, model.NewValidationError("trust already exists for peer")
	}

	approved := s.autoApprove[relationship]
	t := &model.Trust{
		ActorID:           actorID,
		PeerID:            req.PeerID,
		BaseURI:           req.BaseURI,
		Secret:            req.Secret,
		PeerType:          req.PeerType,
		Relationship:      relationship,
		Desc:              req.Desc,
		Approved:          approved,
		PeerApproved:      true, // sending the request approves the peer's side
		VerificationToken: req.Verify,
		EstablishedVia:    model.ViaTrust,
	}
	if err := s.store.PutTrust(ctx, t); err != nil {
		return nil, false, fmt.Errorf("store trust: %w", err)
	}

	// Verification callback: confirm the initiator really holds this
	// relationship by reading it back with the shared secret.
	doc, err := s.client.GetTrust(ctx, req.BaseURI, relationship, actorID, req.Secret)
	s.recordPeer(ctx, actorID, http.StatusOK, err)
	verified := false
	switch {
	case err != nil:
		s.logger.Warn("trust verification callback",
			zap.String("actor_id", actorID),
			zap.String("peer_id", req.PeerID),
			zap.Error(err),
		)
	case req.Verify == "":
		// no token offered; the authenticated read of the peer's own row
		// is the only evidence available
		s.logger.Info("trust verified without token",
			zap.String("actor_id", actorID),
			zap.String("peer_id", req.PeerID),
		)
		verified = true
	case doc.VerificationToken != req.Verify:
		s.logger.Warn("trust verification token mismatch",
			zap.String("actor_id", actorID),
			zap.String("peer_id", req.PeerID),
		)
	default:
		verified = true
	}
	if verified {
		t.Verified = true
		if err := s.store.PutTrust(ctx, t); err != nil {
			return nil, false, fmt.Errorf("store verified trust: %w", err)
		}
	}

	if approved {
		s.hooks.DispatchTrustApproved(ctx, t)
	}
	s.logger.Info("incoming trust stored",
		zap.String("actor_id", actorID),
		zap.String("peer_id", req.PeerID),
		zap.String("relationship", relationship),
		zap.Bool("approved", approved),
		zap.Bool("verified", t.Verified),
	)
	return t, approved, nil
}

// ModifyAndNotify applies owner-side changes to a trust. The new state is
// persisted before any peer notification, and the peer is notified only
// when the persisted approval actually transitioned from false to true.
func (s *Service) ModifyAndNotify(ctx context.Context, actorID, peerID string, approved *bool, desc *string) (*model.Trust, error) {
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	wasApproved := t.Approved

	if approved != nil {
		t.Approved = *approved
	}
	if desc != nil {
		t.Desc = *desc
	}
	if err := s.store.PutTrust(ctx, t); err != nil {
		return nil, fmt.Errorf("store trust: %w", err)
	}

	t, err = s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, fmt.Errorf("reread trust: %w", err)
	}
	if !wasApproved && t.Approved {
		if t.EstablishedVia.HasRemotePeer() {
			err := s.client.NotifyTrustApproval(ctx, t.BaseURI, t.Relationship, actorID, t.Secret)
			s.recordPeer(ctx, actorID, http.StatusNoContent, err)
			if err != nil {
				s.logger.Warn("peer approval notify",
					zap.String("actor_id", actorID),
					zap.String("peer_id", peerID),
					zap.Error(err),
				)
			}
		}
		s.hooks.DispatchTrustApproved(ctx, t)
	}
	return t, nil
}

// RecordPeerApproval marks the peer's side approved, driven by the peer's
// own PUT to our trust endpoint.
func (s *Service) RecordPeerApproval(ctx context.Context, actorID, peerID string) (*model.Trust, error) {
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if t.PeerApproved {
		return t, nil
	}
	t.PeerApproved = true
	if err := s.store.PutTrust(ctx, t); err != nil {
		return nil, fmt.Errorf("store trust: %w", err)
	}
	s.hooks.DispatchTrustApproved(ctx, t)
	return t, nil
}

// DeleteReciprocal removes a trust and every peer-scoped artifact owned
// by the actor. When deletePeer is set and the trust has a remote
// endpoint, the peer side is deleted first; a peer failure is logged and
// never blocks the local cascade. Returns whether the peer side was
// successfully removed.
func (s *Service) DeleteReciprocal(ctx context.Context, actorID, peerID string, deletePeer bool) (bool, error) {
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return false, err
	}

	peerDeleted := false
	if deletePeer && t.EstablishedVia.HasRemotePeer() {
		err := s.client.DeleteTrust(ctx, t.BaseURI, t.Relationship, actorID, t.Secret)
		s.recordPeer(ctx, actorID, http.StatusNoContent, err)
		if err != nil {
			s.logger.Warn("peer trust delete",
				zap.String("actor_id", actorID),
				zap.String("peer_id", peerID),
				zap.Error(err),
			)
		} else {
			peerDeleted = true
		}
	}

	// Local cascade: subscriptions in both directions with their diffs and
	// processor state, the peer mirror, permission overrides, cached peer
	// artifacts, and finally the trust row itself.
	subs, err := s.store.ListSubscriptionsByPeer(ctx, actorID, peerID)
	if err != nil {
		return peerDeleted, fmt.Errorf("list peer subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := s.store.DeleteAllDiffs(ctx, actorID, sub.SubscriptionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("cascade diffs", zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
		}
		if err := s.store.DeleteAttr(ctx, actorID, model.CallbackStateBucket, sub.SubscriptionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("cascade callback state", zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
		}
		if err := s.store.DeleteSubscription(ctx, actorID, peerID, sub.SubscriptionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("cascade subscription", zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
		}
	}
	if err := s.store.DeleteBucket(ctx, actorID, model.MirrorBucket(peerID)); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("cascade peer mirror", zap.String("peer_id", peerID), zap.Error(err))
	}
	if err := s.store.DeleteAttr(ctx, actorID, permission.PermissionBucket, peerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("cascade permission override", zap.String("peer_id", peerID), zap.Error(err))
	}
	if err := s.store.DeleteBucket(ctx, actorID, model.PeerCacheBucket(peerID)); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("cascade peer cache", zap.String("peer_id", peerID), zap.Error(err))
	}
	if err := s.store.DeleteTrust(ctx, actorID, peerID); err != nil {
		return peerDeleted, fmt.Errorf("delete trust row: %w", err)
	}

	s.client.InvalidateMeta(t.BaseURI)
	s.hooks.DispatchTrustDeleted(ctx, actorID, peerID)
	s.logger.Info("trust deleted",
		zap.String("actor_id", actorID),
		zap.String("peer_id", peerID),
		zap.Bool("peer_deleted", peerDeleted),
	)
	return peerDeleted, nil
}

// DeleteReciprocalTrust adapts DeleteReciprocal to the cascade interface
// used by the actor service.
func (s *Service) DeleteReciprocalTrust(ctx context.Context, actorID, peerID string, deletePeer bool) (bool, error) {
	return s.DeleteReciprocal(ctx, actorID, peerID, deletePeer)
}

// SetPermissions stores a per-trust permission override after validating
// its shape.
func (s *Service) SetPermissions(ctx context.Context, actorID, peerID string, data json.RawMessage) error {
	if _, err := s.store.GetTrust(ctx, actorID, peerID); err != nil {
		return err
	}
	var ov permission.Override
	if err := json.Unmarshal(data, &ov); err != nil {
		return model.NewValidationError("invalid permission override: " + err.Error())
	}
	return s.store.PutAttr(ctx, actorID, permission.PermissionBucket, peerID, data)
}

// GetPermissions returns the stored permission override for a trust.
func (s *Service) GetPermissions(ctx context.Context, actorID, peerID string) (json.RawMessage, error) {
	attr, err := s.store.GetAttr(ctx, actorID, permission.PermissionBucket, peerID)
	if err != nil {
		return nil, err
	}
	return attr.Data, nil
}

// DeletePermissions removes the override, restoring pure tier defaults.
func (s *Service) DeletePermissions(ctx context.Context, actorID, peerID string) error {
	return s.store.DeleteAttr(ctx, actorID, permission.PermissionBucket, peerID)
}

// randomToken returns a 32-byte hex-encoded random string.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
