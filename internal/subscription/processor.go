package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

// Result is the outcome of processing one incoming callback.
type Result int

const (
	Processed Result = iota
	Duplicate
	Pending
	Rejected
	ResyncTriggered
)

func (r Result) String() string {
	switch r {
	case Processed:
		return "processed"
	case Duplicate:
		return "duplicate"
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	case ResyncTriggered:
		return "resync_triggered"
	default:
		return "unknown"
	}
}

var callbackResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aw_callbacks_processed_total",
	Help: "Incoming subscription callbacks, by processing outcome.",
}, []string{"result"})

// MirrorApplier applies an in-order diff to the local mirror of the
// peer's state. Implemented by the syncer.
type MirrorApplier interface {
	ApplyDiff(ctx context.Context, actorID, peerID string, sub *model.Subscription, seq int, data json.RawMessage) error
}

// SyncTrigger requests reconciliation with the peer: TriggerSync pulls
// pending diffs, TriggerResync rebuilds the mirror from a baseline.
// Implemented by the syncer.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, actorID, peerID, subID string) error
	TriggerResync(ctx context.Context, actorID, peerID, subID string) error
}

// procState is the persisted processor state for one outbound
// subscription, stored under the callback state bucket with optimistic
// locking. The last processed sequence lives on the subscription row.
type procState struct {
	Pending  []pendingDiff `json:"pending,omitempty"`
	GapSince *time.Time    `json:"gap_since,omitempty"`
}

type pendingDiff struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Processor establishes per-subscription ordering for incoming
// callbacks: duplicates are dropped, gaps buffer out-of-order arrivals
// until filled or timed out, and each sequence reaches the hooks at most
// once.
type Processor struct {
	store      store.Store
	hooks      *hooks.Registry
	applier    MirrorApplier
	sync       SyncTrigger
	maxPending int
	gapTimeout time.Duration
	casRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// ProcessorOptions tunes the callback processor. Zero values select the
// defaults.
type ProcessorOptions struct {
	MaxPending int           // buffered out-of-order callbacks per subscription
	GapTimeout time.Duration // how long a gap may stall before forcing a resync
}

// NewProcessor creates a callback Processor. applier and sync may be nil;
// mirror writes and reconciliation are then skipped.
func NewProcessor(st store.Store, hookReg *hooks.Registry, applier MirrorApplier, sync SyncTrigger, opts ProcessorOptions, logger *zap.Logger) *Processor {
	if hookReg == nil {
		hookReg = &hooks.Registry{}
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 100
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 30 * time.Second
	}
	return &Processor{
		store:      st,
		hooks:      hookReg,
		applier:    applier,
		sync:       sync,
		maxPending: opts.MaxPending,
		gapTimeout: opts.GapTimeout,
		casRetries: 3,
		retryDelay: 25 * time.Millisecond,
		logger:     logger,
	}
}

// Process runs one incoming callback through the state machine. The
// returned Result maps to the HTTP answer: Rejected means 429, everything
// else 2xx.
func (p *Processor) Process(ctx context.Context, actorID string, env *Envelope) (Result, error) {
	sub, err := p.store.GetSubscription(ctx, actorID, env.ID, env.SubscriptionID)
	if err != nil {
		return 0, err
	}
	if !sub.IsCallback {
		return 0, model.NewValidationError("subscription is not callback-enabled")
	}

	var res Result
	switch env.Type {
	case TypePermission:
		// Permission change notifications bypass sequencing entirely.
		p.dispatch(ctx, actorID, sub, 0, TypePermission, env.Data)
		res = Processed
	case TypeResync:
		res, err = p.handleResync(ctx, actorID, sub, env)
	case TypeDiff:
		res, err = p.handleDiff(ctx, actorID, sub, env)
	default:
		return 0, model.NewValidationError("unknown callback type " + env.Type)
	}
	if err == nil {
		callbackResults.WithLabelValues(res.String()).Inc()
	}
	return res, err
}

// handleResync resets ordering state and hands off to the syncer for a
// full re-baseline.
func (p *Processor) handleResync(ctx context.Context, actorID string, sub *model.Subscription, env *Envelope) (Result, error) {
	if err := p.store.DeleteAttr(ctx, actorID, model.CallbackStateBucket, sub.SubscriptionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("reset callback state: %w", err)
	}
	if err := p.store.UpdateSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, env.Sequence); err != nil {
		return 0, fmt.Errorf("reset sequence: %w", err)
	}
	p.dispatch(ctx, actorID, sub, env.Sequence, TypeResync, env.Data)
	if p.sync != nil {
		if err := p.sync.TriggerResync(ctx, actorID, sub.PeerID, sub.SubscriptionID); err != nil {
			p.logger.Warn("resync trigger",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Error(err),
			)
		}
	}
	return ResyncTriggered, nil
}

func (p *Processor) handleDiff(ctx context.Context, actorID string, sub *model.Subscription, env *Envelope) (Result, error) {
	// Low-granularity callbacks carry no payload; the data is fetched by
	// pulling the peer's diff queue instead.
	if len(env.Data) == 0 {
		if p.sync != nil {
			if err := p.sync.TriggerSync(ctx, actorID, sub.PeerID, sub.SubscriptionID); err != nil {
				p.logger.Warn("sync trigger",
					zap.String("subscription_id", sub.SubscriptionID),
					zap.Error(err),
				)
			}
		}
		return Pending, nil
	}

	for attempt := 0; ; attempt++ {
		res, err := p.tryDiff(ctx, actorID, sub, env)
		if !errors.Is(err, store.ErrConflict) {
			return res, err
		}
		if attempt >= p.casRetries {
			return 0, fmt.Errorf("callback state contention for %s: %w", sub.SubscriptionID, err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(p.retryDelay << attempt):
		}
		// reread the sequence advanced by the competing writer
		sub, err = p.store.GetSubscription(ctx, actorID, sub.PeerID, sub.SubscriptionID)
		if err != nil {
			return 0, err
		}
	}
}

// tryDiff runs one optimistic attempt of the diff state machine.
func (p *Processor) tryDiff(ctx context.Context, actorID string, sub *model.Subscription, env *Envelope) (Result, error) {
	st, version, err := p.loadState(ctx, actorID, sub.SubscriptionID)
	if err != nil {
		return 0, err
	}
	lastSeq := sub.Sequence
	seq := env.Sequence

	if seq <= lastSeq {
		return Duplicate, nil
	}

	if seq == lastSeq+1 {
		processed := []pendingDiff{{Sequence: seq, Timestamp: env.Timestamp, Data: env.Data}}
		rest := st.Pending
		next := seq + 1
		for len(rest) > 0 && rest[0].Sequence <= next {
			if rest[0].Sequence == next {
				processed = append(processed, rest[0])
				next++
			}
			rest = rest[1:]
		}
		st.Pending = rest
		if len(rest) > 0 {
			now := time.Now().UTC()
			st.GapSince = &now
		} else {
			st.GapSince = nil
		}
		if err := p.saveState(ctx, actorID, sub.SubscriptionID, st, version); err != nil {
			return 0, err
		}
		newLast := processed[len(processed)-1].Sequence
		if err := p.store.UpdateSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, newLast); err != nil {
			return 0, fmt.Errorf("advance sequence: %w", err)
		}
		for _, d := range processed {
			p.dispatch(ctx, actorID, sub, d.Sequence, TypeDiff, d.Data)
		}
		return Processed, nil
	}

	// Gap. A stalled gap means the missing diff is likely lost; force a
	// resync rather than buffering forever.
	now := time.Now().UTC()
	if st.GapSince != nil && now.Sub(*st.GapSince) > p.gapTimeout {
		if err := p.store.DeleteAttr(ctx, actorID, model.CallbackStateBucket, sub.SubscriptionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("reset callback state: %w", err)
		}
		// last_seq goes back to 0 so any sequence is accepted next; the
		// resync reinstates the peer's real sequence when it lands.
		if err := p.store.UpdateSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, 0); err != nil {
			return 0, fmt.Errorf("reset sequence: %w", err)
		}
		if p.sync != nil {
			if err := p.sync.TriggerResync(ctx, actorID, sub.PeerID, sub.SubscriptionID); err != nil {
				p.logger.Warn("gap timeout resync",
					zap.String("subscription_id", sub.SubscriptionID),
					zap.Error(err),
				)
			}
		}
		p.logger.Info("gap timeout, resync triggered",
			zap.String("actor_id", actorID),
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Int("last_seq", lastSeq),
			zap.Int("stalled_seq", seq),
		)
		return ResyncTriggered, nil
	}

	idx := sort.Search(len(st.Pending), func(i int) bool { return st.Pending[i].Sequence >= seq })
	if idx < len(st.Pending) && st.Pending[idx].Sequence == seq {
		return Duplicate, nil
	}
	if len(st.Pending) >= p.maxPending {
		p.logger.Warn("pending buffer full, callback rejected",
			zap.String("actor_id", actorID),
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Int("sequence", seq),
		)
		return Rejected, nil
	}
	st.Pending = append(st.Pending, pendingDiff{})
	copy(st.Pending[idx+1:], st.Pending[idx:])
	st.Pending[idx] = pendingDiff{Sequence: seq, Timestamp: env.Timestamp, Data: env.Data}
	if st.GapSince == nil {
		st.GapSince = &now
	}
	if err := p.saveState(ctx, actorID, sub.SubscriptionID, st, version); err != nil {
		return 0, err
	}
	return Pending, nil
}

// dispatch applies the diff to the mirror and invokes callback hooks.
// Failures are logged; delivery is at most once, not at least once.
func (p *Processor) dispatch(ctx context.Context, actorID string, sub *model.Subscription, seq int, typ string, data json.RawMessage) {
	if p.applier != nil && typ == TypeDiff {
		if err := p.applier.ApplyDiff(ctx, actorID, sub.PeerID, sub, seq, data); err != nil {
			p.logger.Warn("mirror apply",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Int("sequence", seq),
				zap.Error(err),
			)
		}
	}
	if err := p.hooks.DispatchSubscriptionUpdate(ctx, actorID, &hooks.SubscriptionUpdate{
		PeerID:         sub.PeerID,
		SubscriptionID: sub.SubscriptionID,
		Target:         sub.Target,
		Subtarget:      sub.Subtarget,
		Resource:       sub.Resource,
		Sequence:       seq,
		Type:           typ,
		Data:           data,
	}); err != nil {
		p.logger.Warn("callback hook",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Int("sequence", seq),
			zap.Error(err),
		)
	}
}

// loadState reads the persisted processor state, returning an empty state
// and version 0 when none exists.
func (p *Processor) loadState(ctx context.Context, actorID, subID string) (*procState, int, error) {
	attr, err := p.store.GetAttr(ctx, actorID, model.CallbackStateBucket, subID)
	if errors.Is(err, store.ErrNotFound) {
		return &procState{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load callback state: %w", err)
	}
	var st procState
	if err := json.Unmarshal(attr.Data, &st); err != nil {
		return nil, 0, fmt.Errorf("decode callback state: %w", err)
	}
	return &st, attr.Version, nil
}

// saveState persists the state with optimistic locking.
func (p *Processor) saveState(ctx context.Context, actorID, subID string, st *procState, version int) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode callback state: %w", err)
	}
	if _, err := p.store.PutAttrCAS(ctx, actorID, model.CallbackStateBucket, subID, data, version); err != nil {
		return err
	}
	return nil
}
