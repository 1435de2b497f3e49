// Package subscription implements both halves of the change notification
// pipeline: the publisher side (subscription registry, diff fan-out,
// callback push, pull endpoint) and the subscriber side (the ordered
// callback processor in processor.go).
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/permission"
	"github.com/actingweb/actingweb-go/internal/store"
)

// ErrDenied is returned when the peer's permissions do not allow the
// requested subscription.
var ErrDenied = errors.New("subscription not permitted")

// peerClient is the subset of the peer HTTP client used for outbound
// subscriptions. Satisfied by *peer.Client.
type peerClient interface {
	CreateSubscription(ctx context.Context, baseURI, myID, secret string, req *peer.SubscriptionRequest) (string, error)
	DeleteSubscription(ctx context.Context, baseURI, myID, subID, secret string) error
}

// accessEvaluator gates peer visibility during fan-out and subscription
// creation. Satisfied by *permission.Evaluator.
type accessEvaluator interface {
	EvaluatePropertyAccess(ctx context.Context, actorID, peerID, path string, op permission.Operation) permission.Decision
}

// CreateRequest is the decoded body of a subscription create.
type CreateRequest struct {
	Target      string            `json:"target"`
	Subtarget   string            `json:"subtarget,omitempty"`
	Resource    string            `json:"resource,omitempty"`
	Granularity model.Granularity `json:"granularity,omitempty"`
}

// Service implements subscription business logic for one deployment.
type Service struct {
	store      store.Store
	client     peerClient
	evaluator  accessEvaluator
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewService creates a subscription Service. evaluator and dispatcher may
// be nil during wiring: a nil evaluator skips permission filtering, a nil
// dispatcher queues diffs without pushing.
func NewService(st store.Store, client peerClient, evaluator accessEvaluator, dispatcher Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		store:      st,
		client:     client,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// SetDispatcher wires the callback dispatcher after construction.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func normalizeGranularity(g model.Granularity) (model.Granularity, error) {
	switch g {
	case "":
		return model.GranularityHigh, nil
	case model.GranularityHigh, model.GranularityLow, model.GranularityNone:
		return g, nil
	default:
		return "", model.NewValidationError("granularity must be high, low or none")
	}
}

// targetPath builds the permission path for a subscription scope.
func targetPath(target, subtarget, resource string) string {
	path := target
	if subtarget != "" {
		path += "/" + subtarget
	}
	if resource != "" {
		path += "/" + resource
	}
	return path
}

// ── Publisher side ───────────────────────────────────────────────────────

// CreateInbound registers a subscription a peer holds on us. The peer
// must be allowed to subscribe to the requested scope; evaluation errors
// fail closed.
func (s *Service) CreateInbound(ctx context.Context, actorID, peerID string, req *CreateRequest) (*model.Subscription, error) {
	if req.Target == "" {
		return nil, model.NewValidationError("target is required")
	}
	gran, err := normalizeGranularity(req.Granularity)
	if err != nil {
		return nil, err
	}
	if s.evaluator != nil {
		decision := s.evaluator.EvaluatePropertyAccess(ctx, actorID, peerID,
			targetPath(req.Target, req.Subtarget, req.Resource), permission.OpSubscribe)
		if decision != permission.Allowed {
			return nil, ErrDenied
		}
	}

	sub := &model.Subscription{
		ActorID:        actorID,
		PeerID:         peerID,
		SubscriptionID: uuid.NewString(),
		IsCallback:     false,
		Target:         req.Target,
		Subtarget:      req.Subtarget,
		Resource:       req.Resource,
		Granularity:    gran,
		Sequence:       0,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	s.logger.Info("subscription created",
		zap.String("actor_id", actorID),
		zap.String("peer_id", peerID),
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("target", targetPath(req.Target, req.Subtarget, req.Resource)),
		zap.String("granularity", string(gran)),
	)
	return sub, nil
}

// Get fetches one subscription.
func (s *Service) Get(ctx context.Context, actorID, peerID, subID string) (*model.Subscription, error) {
	return s.store.GetSubscription(ctx, actorID, peerID, subID)
}

// List returns all subscriptions for an actor.
func (s *Service) List(ctx context.Context, actorID string) ([]*model.Subscription, error) {
	return s.store.ListSubscriptions(ctx, actorID)
}

// ListForPeer returns the subscriptions involving one peer.
func (s *Service) ListForPeer(ctx context.Context, actorID, peerID string) ([]*model.Subscription, error) {
	return s.store.ListSubscriptionsByPeer(ctx, actorID, peerID)
}

// Delete removes a subscription, its queued diffs, and any processor
// state.
func (s *Service) Delete(ctx context.Context, actorID, peerID, subID string) error {
	if _, err := s.store.GetSubscription(ctx, actorID, peerID, subID); err != nil {
		return err
	}
	if err := s.store.DeleteAllDiffs(ctx, actorID, subID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("delete subscription diffs", zap.String("subscription_id", subID), zap.Error(err))
	}
	if err := s.store.DeleteAttr(ctx, actorID, model.CallbackStateBucket, subID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("delete callback state", zap.String("subscription_id", subID), zap.Error(err))
	}
	return s.store.DeleteSubscription(ctx, actorID, peerID, subID)
}

// PullDiffs returns the pending diffs for a peer-held subscription, in
// sequence order.
func (s *Service) PullDiffs(ctx context.Context, actorID, peerID, subID string) (*DiffPage, error) {
	sub, err := s.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return nil, err
	}
	diffs, err := s.store.ListDiffs(ctx, actorID, subID)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}

	page := &DiffPage{
		ID:             actorID,
		SubscriptionID: subID,
		Target:         sub.Target,
		Subtarget:      sub.Subtarget,
		Resource:       sub.Resource,
		Sequence:       sub.Sequence,
		Data:           make([]DiffEntry, 0, len(diffs)),
	}
	for _, d := range diffs {
		page.Data = append(page.Data, DiffEntry{
			Sequence:  d.Sequence,
			Timestamp: d.Timestamp,
			Data:      json.RawMessage(d.Blob),
		})
	}
	return page, nil
}

// Confirm clears queued diffs up to and including seq, driven by the
// subscriber's confirmation PUT.
func (s *Service) Confirm(ctx context.Context, actorID, peerID, subID string, seq int) error {
	if _, err := s.store.GetSubscription(ctx, actorID, peerID, subID); err != nil {
		return err
	}
	return s.store.ClearDiffs(ctx, actorID, subID, seq)
}

// suspended reports whether diff emission is suspended for the given
// scope, at either the target or target/subtarget level.
func (s *Service) suspended(ctx context.Context, actorID, target, subtarget string) bool {
	names := []string{target}
	if subtarget != "" {
		names = append(names, target+"/"+subtarget)
	}
	for _, name := range names {
		if _, err := s.store.GetAttr(ctx, actorID, model.SuspensionBucket, name); err == nil {
			return true
		}
	}
	return false
}

// Suspend pauses diff emission for a scope. Mutations during suspension
// are not queued; Resume triggers a resync so subscribers recover.
func (s *Service) Suspend(ctx context.Context, actorID, target, subtarget string) error {
	name := target
	if subtarget != "" {
		name = target + "/" + subtarget
	}
	return s.store.PutAttr(ctx, actorID, model.SuspensionBucket, name, json.RawMessage(`{"suspended":true}`))
}

// Resume lifts a suspension and sends a resync callback to every
// subscription in scope, since diffs were dropped while suspended.
func (s *Service) Resume(ctx context.Context, actorID, target, subtarget string) error {
	name := target
	if subtarget != "" {
		name = target + "/" + subtarget
	}
	if err := s.store.DeleteAttr(ctx, actorID, model.SuspensionBucket, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	subs, err := s.store.ListSubscriptions(ctx, actorID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.IsCallback || sub.Target != target {
			continue
		}
		if subtarget != "" && sub.Subtarget != "" && sub.Subtarget != subtarget {
			continue
		}
		if !s.peerSupportsResync(ctx, actorID, sub.PeerID) {
			if err := s.fullStateDiff(ctx, actorID, sub); err != nil {
				s.logger.Warn("full-state diff fallback",
					zap.String("actor_id", actorID),
					zap.String("subscription_id", sub.SubscriptionID),
					zap.Error(err),
				)
			}
			continue
		}
		s.push(ctx, actorID, sub, &Envelope{
			ID:             actorID,
			SubscriptionID: sub.SubscriptionID,
			Target:         sub.Target,
			Subtarget:      sub.Subtarget,
			Resource:       sub.Resource,
			Type:           TypeResync,
			Sequence:       sub.Sequence,
			Timestamp:      time.Now().UTC(),
		})
	}
	return nil
}

// peerSupportsResync consults the cached peer discovery document. A
// missing cache entry or an old-style document without a supports list
// means assume support; the background sync pass refreshes the cache.
func (s *Service) peerSupportsResync(ctx context.Context, actorID, peerID string) bool {
	attr, err := s.store.GetAttr(ctx, actorID, model.PeerCacheBucket(peerID), "meta")
	if err != nil {
		return true
	}
	var doc struct {
		Supports []string `json:"supports"`
	}
	if err := json.Unmarshal(attr.Data, &doc); err != nil || doc.Supports == nil {
		return true
	}
	for _, t := range doc.Supports {
		if t == TypeResync {
			return true
		}
	}
	return false
}

// fullStateDiff queues the subscription's entire current scope as an
// ordinary diff under a fresh sequence number and pushes a low-granularity
// notification, for peers that cannot process resync callbacks.
func (s *Service) fullStateDiff(ctx context.Context, actorID string, sub *model.Subscription) error {
	blob, err := s.snapshot(ctx, actorID, sub)
	if err != nil {
		return err
	}
	seq, err := s.store.RegisterDiff(ctx, actorID, sub.PeerID, sub.SubscriptionID, string(blob), time.Now().UTC())
	if err != nil {
		return err
	}
	s.push(ctx, actorID, sub, &Envelope{
		ID:             actorID,
		SubscriptionID: sub.SubscriptionID,
		Target:         sub.Target,
		Subtarget:      sub.Subtarget,
		Resource:       sub.Resource,
		Type:           TypeDiff,
		Sequence:       seq,
		Timestamp:      time.Now().UTC(),
		Granularity:    string(model.GranularityLow),
	})
	return nil
}

// snapshot builds the full current value of a subscription's scope:
// every scalar plus every list inlined as an array, or just the one
// property when the subscription names a subtarget.
func (s *Service) snapshot(ctx context.Context, actorID string, sub *model.Subscription) (json.RawMessage, error) {
	if sub.Target != model.TargetProperties {
		return json.RawMessage(`{}`), nil
	}
	// List subtargets arrive in wire form ("list:colors"); stored names
	// are bare, so the scope is compared with the prefix stripped.
	scope := strings.TrimPrefix(sub.Subtarget, model.ListPrefix)
	scopeIsList := strings.HasPrefix(sub.Subtarget, model.ListPrefix)
	out := map[string]json.RawMessage{}

	props, err := s.store.ListProperties(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		if sub.Subtarget != "" && (scopeIsList || p.Name != scope) {
			continue
		}
		out[p.Name] = p.Value
	}

	names, err := s.store.ListListNames(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if sub.Subtarget != "" && name != scope {
			continue
		}
		items, err := s.store.GetListItems(ctx, actorID, name)
		if err != nil {
			continue
		}
		arr, err := json.Marshal(items)
		if err != nil {
			continue
		}
		out[name] = arr
	}
	return json.Marshal(out)
}

// RegisterDiffs fans a change out to every matching peer-held
// subscription: permission filtering, per-subscription sequencing, and a
// granularity-shaped callback push. A peer not allowed to see the change
// consumes no sequence number.
func (s *Service) RegisterDiffs(ctx context.Context, actorID, target, subtarget, resource string, blob json.RawMessage) error {
	if s.suspended(ctx, actorID, target, subtarget) {
		return nil
	}
	subs, err := s.store.ListSubscriptions(ctx, actorID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	now := time.Now().UTC()
	for _, sub := range subs {
		if sub.IsCallback || !s.matches(sub, target, subtarget, resource) {
			continue
		}
		if s.evaluator != nil {
			decision := s.evaluator.EvaluatePropertyAccess(ctx, actorID, sub.PeerID, subtarget, permission.OpRead)
			if decision != permission.Allowed {
				continue
			}
		}
		payload := reshape(sub, subtarget, blob)

		seq, err := s.store.RegisterDiff(ctx, actorID, sub.PeerID, sub.SubscriptionID, string(payload), now)
		if err != nil {
			s.logger.Error("register diff",
				zap.String("actor_id", actorID),
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Error(err),
			)
			continue
		}
		diffsRegistered.WithLabelValues(target).Inc()

		if sub.Granularity == model.GranularityNone {
			continue
		}
		env := &Envelope{
			ID:             actorID,
			SubscriptionID: sub.SubscriptionID,
			Target:         sub.Target,
			Subtarget:      sub.Subtarget,
			Resource:       sub.Resource,
			Type:           TypeDiff,
			Sequence:       seq,
			Timestamp:      now,
			Granularity:    string(sub.Granularity),
		}
		if sub.Granularity == model.GranularityHigh {
			env.Data = payload
		}
		s.push(ctx, actorID, sub, env)
	}
	return nil
}

// matches reports whether a subscription's scope covers an emitted
// change.
func (s *Service) matches(sub *model.Subscription, target, subtarget, resource string) bool {
	if sub.Target != target {
		return false
	}
	if sub.Subtarget != "" && sub.Subtarget != subtarget {
		return false
	}
	if sub.Resource != "" && sub.Resource != resource {
		return false
	}
	return true
}

// reshape adjusts a diff blob to the subscription's scope. A scalar
// change delivered to a whole-target subscription is wrapped in an object
// keyed by the property name; list operation blobs already carry the list
// name and pass through unchanged.
func reshape(sub *model.Subscription, subtarget string, blob json.RawMessage) json.RawMessage {
	if sub.Subtarget != "" || subtarget == "" {
		return blob
	}
	if strings.HasPrefix(subtarget, model.ListPrefix) {
		return blob
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{subtarget: blob})
	if err != nil {
		return blob
	}
	return wrapped
}

// push hands an envelope to the dispatcher with the peer's callback
// coordinates. Missing or inactive trust means no push; the diff stays
// queued for pull.
func (s *Service) push(ctx context.Context, actorID string, sub *model.Subscription, env *Envelope) {
	if s.dispatcher == nil {
		return
	}
	t, err := s.store.GetTrust(ctx, actorID, sub.PeerID)
	if err != nil || !t.Active() || !t.EstablishedVia.HasRemotePeer() {
		return
	}
	if env.Granularity == string(model.GranularityLow) || env.Type == TypeResync {
		a, err := s.store.GetActor(ctx, actorID)
		if err == nil {
			base := strings.TrimSuffix(a.BaseURI, "/")
			if env.Type == TypeResync {
				// full current state, not the diff queue
				env.URL = base + "/" + sub.Target
			} else {
				env.URL = base + "/subscriptions/" + sub.PeerID + "/" + sub.SubscriptionID
			}
		}
	}
	s.dispatcher.Dispatch(ctx, &Delivery{
		PeerBaseURI:    t.BaseURI,
		PublisherID:    actorID,
		SubscriptionID: sub.SubscriptionID,
		Secret:         t.Secret,
		Envelope:       env,
	})
}

// ── Subscriber side ──────────────────────────────────────────────────────

// Subscribe creates a subscription on a peer and records the local
// outbound row used to track received sequence state.
func (s *Service) Subscribe(ctx context.Context, actorID, peerID string, req *CreateRequest) (*model.Subscription, error) {
	if req.Target == "" {
		return nil, model.NewValidationError("target is required")
	}
	gran, err := normalizeGranularity(req.Granularity)
	if err != nil {
		return nil, err
	}
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if !t.Active() {
		return nil, ErrDenied
	}

	subID, err := s.client.CreateSubscription(ctx, t.BaseURI, actorID, t.Secret, &peer.SubscriptionRequest{
		Target:      req.Target,
		Subtarget:   req.Subtarget,
		Resource:    req.Resource,
		Granularity: string(gran),
	})
	if err != nil {
		return nil, fmt.Errorf("peer subscription create: %w", err)
	}

	sub := &model.Subscription{
		ActorID:        actorID,
		PeerID:         peerID,
		SubscriptionID: subID,
		IsCallback:     true,
		Target:         req.Target,
		Subtarget:      req.Subtarget,
		Resource:       req.Resource,
		Granularity:    gran,
		Sequence:       0,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		// The peer-side subscription exists without a local row; best
		// effort cleanup keeps the two sides consistent.
		if derr := s.client.DeleteSubscription(ctx, t.BaseURI, actorID, subID, t.Secret); derr != nil {
			s.logger.Warn("orphan peer subscription cleanup", zap.String("subscription_id", subID), zap.Error(derr))
		}
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe cancels an outbound subscription on the peer and locally.
func (s *Service) Unsubscribe(ctx context.Context, actorID, peerID, subID string) error {
	sub, err := s.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	if !sub.IsCallback {
		return model.NewValidationError("not an outbound subscription")
	}
	if t, terr := s.store.GetTrust(ctx, actorID, peerID); terr == nil && t.EstablishedVia.HasRemotePeer() {
		if err := s.client.DeleteSubscription(ctx, t.BaseURI, actorID, subID, t.Secret); err != nil {
			s.logger.Warn("peer subscription delete",
				zap.String("subscription_id", subID),
				zap.Error(err),
			)
		}
	}
	return s.Delete(ctx, actorID, peerID, subID)
}
