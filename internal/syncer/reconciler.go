package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/property"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

// ErrSubscriptionGone is returned when the peer no longer knows our
// subscription.
var ErrSubscriptionGone = errors.New("subscription gone on peer")

// callbackProcessor routes pulled diffs through the same ordering state
// machine as pushed callbacks. Satisfied by *subscription.Processor.
type callbackProcessor interface {
	Process(ctx context.Context, actorID string, env *subscription.Envelope) (subscription.Result, error)
}

// peerAPI is the subset of the peer HTTP client the reconciler needs.
// Satisfied by *peer.Client.
type peerAPI interface {
	GetDiffs(ctx context.Context, baseURI, myID, subID, secret string) (*peer.DiffPage, error)
	ConfirmDiffs(ctx context.Context, baseURI, myID, subID, secret string, seq int) error
	GetResource(ctx context.Context, baseURI, path, secret string) (json.RawMessage, error)
	GetTrust(ctx context.Context, baseURI, relationship, peerID, secret string) (*peer.TrustDoc, error)
}

// trustRevoker tears down a trust whose peer side has revoked us.
// Satisfied by *trust.Service.
type trustRevoker interface {
	DeleteReciprocalTrust(ctx context.Context, actorID, peerID string, deletePeer bool) (bool, error)
}

// subCleaner removes a dead local subscription row with its diffs and
// processor state. Satisfied by *subscription.Service.
type subCleaner interface {
	Delete(ctx context.Context, actorID, peerID, subID string) error
}

// Options tunes the reconciler.
type Options struct {
	AutoBaseline bool          // fetch a full snapshot when a mirror is empty
	PeerCacheTTL time.Duration // how long cached peer meta stays fresh
}

// Service reconciles outbound subscriptions with their publishers by
// pulling diff queues, replaying them through the callback processor, and
// rebuilding baselines when ordering is lost.
type Service struct {
	store        store.Store
	client       peerAPI
	mirror       *Mirror
	processor    callbackProcessor
	trusts       trustRevoker
	subs         subCleaner
	autoBaseline bool
	cacheTTL     time.Duration
	logger       *zap.Logger
}

// NewService creates a reconciler. The processor, trust revoker, and
// subscription cleaner are wired afterwards via the setters to break the
// construction cycle with the callback processor.
func NewService(st store.Store, client peerAPI, mirror *Mirror, opts Options, logger *zap.Logger) *Service {
	if opts.PeerCacheTTL <= 0 {
		opts.PeerCacheTTL = 5 * time.Minute
	}
	return &Service{
		store:        st,
		client:       client,
		mirror:       mirror,
		autoBaseline: opts.AutoBaseline,
		cacheTTL:     opts.PeerCacheTTL,
		logger:       logger,
	}
}

// SetProcessor wires the callback processor.
func (s *Service) SetProcessor(p callbackProcessor) { s.processor = p }

// SetTrustRevoker wires the trust engine for revocation handling.
func (s *Service) SetTrustRevoker(t trustRevoker) { s.trusts = t }

// SetSubscriptionCleaner wires dead-subscription cleanup.
func (s *Service) SetSubscriptionCleaner(c subCleaner) { s.subs = c }

// TriggerSync satisfies subscription.SyncTrigger.
func (s *Service) TriggerSync(ctx context.Context, actorID, peerID, subID string) error {
	return s.SyncSubscription(ctx, actorID, peerID, subID)
}

// TriggerResync satisfies subscription.SyncTrigger.
func (s *Service) TriggerResync(ctx context.Context, actorID, peerID, subID string) error {
	return s.ResyncSubscription(ctx, actorID, peerID, subID)
}

// SyncSubscription pulls the peer's pending diff queue for one outbound
// subscription and replays it through the callback processor. Processed
// diffs are confirmed to the peer best-effort; a failed confirmation only
// means re-pulling duplicates later, which the processor drops.
func (s *Service) SyncSubscription(ctx context.Context, actorID, peerID, subID string) error {
	sub, err := s.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	if !sub.IsCallback {
		return model.NewValidationError("not an outbound subscription")
	}
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return err
	}

	page, err := s.client.GetDiffs(ctx, t.BaseURI, actorID, subID, t.Secret)
	if errors.Is(err, peer.ErrNotFound) {
		return ErrSubscriptionGone
	}
	if err != nil {
		return fmt.Errorf("pull diffs: %w", err)
	}

	if len(page.Data) == 0 {
		if sub.Sequence == 0 && s.autoBaseline {
			return s.rebuildBaseline(ctx, actorID, t, sub, page.Sequence)
		}
		return nil
	}

	highest := 0
	for _, entry := range page.Data {
		res, err := s.processor.Process(ctx, actorID, &subscription.Envelope{
			ID:             peerID,
			SubscriptionID: subID,
			Target:         sub.Target,
			Subtarget:      sub.Subtarget,
			Resource:       sub.Resource,
			Type:           subscription.TypeDiff,
			Sequence:       entry.Sequence,
			Timestamp:      entry.Timestamp,
			Data:           entry.Data,
		})
		if err != nil {
			return fmt.Errorf("process pulled diff %d: %w", entry.Sequence, err)
		}
		if res == subscription.Processed || res == subscription.Duplicate {
			if entry.Sequence > highest {
				highest = entry.Sequence
			}
		}
	}
	if highest > 0 {
		if err := s.client.ConfirmDiffs(ctx, t.BaseURI, actorID, subID, t.Secret, highest); err != nil {
			s.logger.Warn("confirm diffs",
				zap.String("subscription_id", subID),
				zap.Int("sequence", highest),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ResyncSubscription rebuilds the mirror from a full snapshot and resets
// ordering state, used when the diff stream cannot be trusted anymore.
func (s *Service) ResyncSubscription(ctx context.Context, actorID, peerID, subID string) error {
	sub, err := s.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return err
	}

	page, err := s.client.GetDiffs(ctx, t.BaseURI, actorID, subID, t.Secret)
	if errors.Is(err, peer.ErrNotFound) {
		return ErrSubscriptionGone
	}
	if err != nil {
		return fmt.Errorf("read peer sequence: %w", err)
	}

	if err := s.rebuildBaseline(ctx, actorID, t, sub, page.Sequence); err != nil {
		return err
	}
	if err := s.store.DeleteAttr(ctx, actorID, model.CallbackStateBucket, subID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reset callback state: %w", err)
	}
	if page.Sequence > 0 {
		if err := s.client.ConfirmDiffs(ctx, t.BaseURI, actorID, subID, t.Secret, page.Sequence); err != nil {
			s.logger.Warn("confirm after resync", zap.String("subscription_id", subID), zap.Error(err))
		}
	}
	s.logger.Info("subscription resynced",
		zap.String("actor_id", actorID),
		zap.String("subscription_id", subID),
		zap.Int("sequence", page.Sequence),
	)
	return nil
}

// rebuildBaseline fetches a full snapshot of the subscribed scope and
// replaces the mirror with it. A scoped subscription refreshes just its
// slice of the mirror; only non-property targets skip the fetch since
// the mirror holds nothing for them.
func (s *Service) rebuildBaseline(ctx context.Context, actorID string, t *model.Trust, sub *model.Subscription, seq int) error {
	if sub.Target != model.TargetProperties {
		return s.store.UpdateSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, seq)
	}

	if sub.Subtarget != "" {
		// The wire subtarget may carry the list: prefix; the resource URL
		// always uses the bare name.
		name := strings.TrimPrefix(sub.Subtarget, model.ListPrefix)
		raw, err := s.client.GetResource(ctx, t.BaseURI, peer.TargetPath(sub.Target, name, sub.Resource), t.Secret)
		if err != nil {
			return fmt.Errorf("fetch scoped baseline: %w", err)
		}
		if err := s.mirror.ReplaceScoped(ctx, actorID, sub.PeerID, sub.Subtarget, raw); err != nil {
			return fmt.Errorf("replace scoped mirror: %w", err)
		}
		return s.store.UpdateSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, seq)
	}

	raw, err := s.client.GetResource(ctx, t.BaseURI, peer.TargetPath(sub.Target, "", ""), t.Secret)
	if err != nil {
		return fmt.Errorf("fetch baseline: %w", err)
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("decode baseline: %w", err)
	}

	// List properties arrive as summaries; inline the items with one
	// extra fetch each. A failed fetch keeps the summary so the rest of
	// the baseline still lands.
	for name, value := range snapshot {
		var summary property.ListSummary
		if err := json.Unmarshal(value, &summary); err != nil || !summary.IsList {
			continue
		}
		items, err := s.client.GetResource(ctx, t.BaseURI, sub.Target+"/"+name, t.Secret)
		if err != nil {
			s.logger.Warn("inline list baseline",
				zap.String("list", name),
				zap.Error(err),
			)
			continue
		}
		snapshot[name] = items
	}

	if err := s.mirror.ReplaceBaseline(ctx, actorID, sub.PeerID, snapshot); err != nil {
		return fmt.Errorf("replace mirror: %w", err)
	}
	return s.store.UpdateSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, seq)
}

// SyncPeer reconciles every outbound subscription held against one peer.
// When the peer has dropped them all, the trust itself is checked: a
// revoked trust is torn down locally, otherwise only the dead
// subscription rows are cleaned.
func (s *Service) SyncPeer(ctx context.Context, actorID, peerID string) error {
	if err := s.RefreshPeerCache(ctx, actorID, peerID); err != nil {
		s.logger.Warn("refresh peer cache",
			zap.String("actor_id", actorID),
			zap.String("peer_id", peerID),
			zap.Error(err),
		)
	}
	subs, err := s.store.ListSubscriptionsByPeer(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	var outbound []*model.Subscription
	for _, sub := range subs {
		if sub.IsCallback {
			outbound = append(outbound, sub)
		}
	}
	if len(outbound) == 0 {
		return nil
	}

	var gone []*model.Subscription
	for _, sub := range outbound {
		err := s.SyncSubscription(ctx, actorID, peerID, sub.SubscriptionID)
		switch {
		case errors.Is(err, ErrSubscriptionGone):
			gone = append(gone, sub)
		case err != nil:
			s.logger.Warn("sync subscription",
				zap.String("actor_id", actorID),
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Error(err),
			)
		}
	}
	if len(gone) == 0 {
		return nil
	}

	if len(gone) == len(outbound) && s.trusts != nil {
		t, err := s.store.GetTrust(ctx, actorID, peerID)
		if err != nil {
			return err
		}
		_, err = s.client.GetTrust(ctx, t.BaseURI, t.Relationship, actorID, t.Secret)
		if errors.Is(err, peer.ErrNotFound) {
			s.logger.Info("trust revoked by peer",
				zap.String("actor_id", actorID),
				zap.String("peer_id", peerID),
			)
			_, derr := s.trusts.DeleteReciprocalTrust(ctx, actorID, peerID, false)
			return derr
		}
	}

	if s.subs != nil {
		for _, sub := range gone {
			if err := s.subs.Delete(ctx, actorID, peerID, sub.SubscriptionID); err != nil && !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("clean dead subscription",
					zap.String("subscription_id", sub.SubscriptionID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// SyncAll reconciles every peer of one actor, used by the background
// sync loop.
func (s *Service) SyncAll(ctx context.Context, actorID string) error {
	trusts, err := s.store.ListTrusts(ctx, actorID)
	if err != nil {
		return err
	}
	for _, t := range trusts {
		if !t.Active() || !t.EstablishedVia.HasRemotePeer() {
			continue
		}
		if err := s.SyncPeer(ctx, actorID, t.PeerID); err != nil {
			s.logger.Warn("sync peer",
				zap.String("actor_id", actorID),
				zap.String("peer_id", t.PeerID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// RefreshPeerCache fetches and caches the peer's discovery document in
// the peer cache bucket, honoring the cache TTL.
func (s *Service) RefreshPeerCache(ctx context.Context, actorID, peerID string) error {
	bucket := model.PeerCacheBucket(peerID)
	if attr, err := s.store.GetAttr(ctx, actorID, bucket, "meta"); err == nil {
		if time.Since(attr.Timestamp) < s.cacheTTL {
			return nil
		}
	}
	t, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	raw, err := s.client.GetResource(ctx, t.BaseURI, "meta", t.Secret)
	if err != nil {
		return fmt.Errorf("fetch peer meta: %w", err)
	}
	return s.store.PutAttr(ctx, actorID, bucket, "meta", raw)
}
