package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

// hookRecorder records delivered sequences.
type hookRecorder struct {
	updates []*hooks.SubscriptionUpdate
}

func (h *hookRecorder) OnSubscriptionUpdate(_ context.Context, _ string, u *hooks.SubscriptionUpdate) error {
	h.updates = append(h.updates, u)
	return nil
}

// syncRecorder records reconciliation triggers.
type syncRecorder struct {
	syncs   int
	resyncs int
}

func (s *syncRecorder) TriggerSync(context.Context, string, string, string) error {
	s.syncs++
	return nil
}

func (s *syncRecorder) TriggerResync(context.Context, string, string, string) error {
	s.resyncs++
	return nil
}

func newTestProcessor(t *testing.T, opts ProcessorOptions) (*Processor, *store.MemoryStore, *hookRecorder, *syncRecorder) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateActor(ctx, &model.Actor{ID: "a1", Creator: "owner"}); err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if err := st.CreateSubscription(ctx, &model.Subscription{
		ActorID: "a1", PeerID: "pub1", SubscriptionID: "sub1", IsCallback: true,
		Target: "properties", Granularity: model.GranularityHigh,
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	rec := &hookRecorder{}
	reg := &hooks.Registry{}
	reg.AddCallbackHook(rec)
	sync := &syncRecorder{}
	proc := NewProcessor(st, reg, nil, sync, opts, zap.NewNop())
	return proc, st, rec, sync
}

func diffEnv(seq int, data string) *Envelope {
	return &Envelope{
		ID:             "pub1",
		SubscriptionID: "sub1",
		Target:         "properties",
		Type:           TypeDiff,
		Sequence:       seq,
		Timestamp:      time.Now().UTC(),
		Data:           json.RawMessage(data),
	}
}

func TestProcessorInOrderDelivery(t *testing.T) {
	proc, st, rec, _ := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		res, err := proc.Process(ctx, "a1", diffEnv(seq, `{"color":"red"}`))
		if err != nil {
			t.Fatalf("process seq %d: %v", seq, err)
		}
		if res != Processed {
			t.Errorf("seq %d result = %v, want Processed", seq, res)
		}
	}
	if len(rec.updates) != 3 {
		t.Fatalf("hook deliveries = %d, want 3", len(rec.updates))
	}
	for i, u := range rec.updates {
		if u.Sequence != i+1 {
			t.Errorf("delivery %d sequence = %d, want strict order", i, u.Sequence)
		}
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 3 {
		t.Errorf("stored sequence = %d, want 3", sub.Sequence)
	}
}

func TestProcessorDuplicateDropped(t *testing.T) {
	proc, _, rec, _ := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	if _, err := proc.Process(ctx, "a1", diffEnv(1, `1`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	res, err := proc.Process(ctx, "a1", diffEnv(1, `1`))
	if err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if res != Duplicate {
		t.Errorf("result = %v, want Duplicate", res)
	}
	if len(rec.updates) != 1 {
		t.Errorf("hook deliveries = %d, want exactly 1", len(rec.updates))
	}
}

func TestProcessorGapThenRecovery(t *testing.T) {
	proc, st, rec, _ := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	if res, _ := proc.Process(ctx, "a1", diffEnv(1, `"one"`)); res != Processed {
		t.Fatalf("seq 1 result = %v", res)
	}
	res, err := proc.Process(ctx, "a1", diffEnv(3, `"three"`))
	if err != nil {
		t.Fatalf("process seq 3: %v", err)
	}
	if res != Pending {
		t.Errorf("seq 3 result = %v, want Pending", res)
	}
	if len(rec.updates) != 1 {
		t.Errorf("seq 3 must be buffered, deliveries = %d", len(rec.updates))
	}

	res, err = proc.Process(ctx, "a1", diffEnv(2, `"two"`))
	if err != nil {
		t.Fatalf("process seq 2: %v", err)
	}
	if res != Processed {
		t.Errorf("seq 2 result = %v, want Processed", res)
	}
	if len(rec.updates) != 3 {
		t.Fatalf("deliveries = %d, want 3 after drain", len(rec.updates))
	}
	if rec.updates[1].Sequence != 2 || rec.updates[2].Sequence != 3 {
		t.Errorf("drain order = %d,%d, want 2,3", rec.updates[1].Sequence, rec.updates[2].Sequence)
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 3 {
		t.Errorf("stored sequence = %d, want 3", sub.Sequence)
	}
	// buffer drained: state has no pending entries left
	attr, err := st.GetAttr(ctx, "a1", model.CallbackStateBucket, "sub1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	var ps procState
	if err := json.Unmarshal(attr.Data, &ps); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(ps.Pending) != 0 || ps.GapSince != nil {
		t.Errorf("state after drain = %+v, want empty", ps)
	}
}

func TestProcessorDuplicateInPending(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	if _, err := proc.Process(ctx, "a1", diffEnv(3, `"three"`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	res, err := proc.Process(ctx, "a1", diffEnv(3, `"three"`))
	if err != nil {
		t.Fatalf("process duplicate pending: %v", err)
	}
	if res != Duplicate {
		t.Errorf("result = %v, want Duplicate", res)
	}
}

func TestProcessorBackpressureRejects(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t, ProcessorOptions{MaxPending: 2, GapTimeout: time.Hour})
	ctx := context.Background()

	if res, _ := proc.Process(ctx, "a1", diffEnv(3, `3`)); res != Pending {
		t.Fatalf("seq 3 result = %v", res)
	}
	if res, _ := proc.Process(ctx, "a1", diffEnv(4, `4`)); res != Pending {
		t.Fatalf("seq 4 result = %v", res)
	}
	res, err := proc.Process(ctx, "a1", diffEnv(6, `6`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res != Rejected {
		t.Errorf("result = %v, want Rejected when buffer is full", res)
	}
}

func TestProcessorGapTimeoutTriggersResync(t *testing.T) {
	proc, st, _, sync := newTestProcessor(t, ProcessorOptions{GapTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	if res, _ := proc.Process(ctx, "a1", diffEnv(1, `1`)); res != Processed {
		t.Fatalf("seq 1 result = %v", res)
	}
	if res, _ := proc.Process(ctx, "a1", diffEnv(3, `3`)); res != Pending {
		t.Fatalf("seq 3 result = %v", res)
	}
	time.Sleep(25 * time.Millisecond)

	res, err := proc.Process(ctx, "a1", diffEnv(5, `5`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res != ResyncTriggered {
		t.Errorf("result = %v, want ResyncTriggered after gap timeout", res)
	}
	if sync.resyncs != 1 {
		t.Errorf("resync triggers = %d, want 1", sync.resyncs)
	}
	if _, err := st.GetAttr(ctx, "a1", model.CallbackStateBucket, "sub1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("state must be reset on resync, got %v", err)
	}
	sub, err := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Sequence != 0 {
		t.Errorf("sequence = %d, want 0 so any sequence is accepted next", sub.Sequence)
	}
}

func TestProcessorResyncEnvelopeResets(t *testing.T) {
	proc, st, rec, sync := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	if _, err := proc.Process(ctx, "a1", diffEnv(5, `5`)); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	res, err := proc.Process(ctx, "a1", &Envelope{
		ID: "pub1", SubscriptionID: "sub1", Target: "properties",
		Type: TypeResync, Sequence: 10,
	})
	if err != nil {
		t.Fatalf("process resync: %v", err)
	}
	if res != ResyncTriggered {
		t.Errorf("result = %v, want ResyncTriggered", res)
	}
	if sync.resyncs != 1 {
		t.Errorf("resync triggers = %d, want 1", sync.resyncs)
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 10 {
		t.Errorf("sequence = %d, want reset to publisher's 10", sub.Sequence)
	}
	last := rec.updates[len(rec.updates)-1]
	if last.Type != TypeResync {
		t.Errorf("hook type = %q, want resync", last.Type)
	}
}

func TestProcessorPermissionBypassesOrdering(t *testing.T) {
	proc, st, rec, _ := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	res, err := proc.Process(ctx, "a1", &Envelope{
		ID: "pub1", SubscriptionID: "sub1", Target: "properties",
		Type: TypePermission, Data: json.RawMessage(`{"patterns":["color"]}`),
	})
	if err != nil {
		t.Fatalf("process permission: %v", err)
	}
	if res != Processed {
		t.Errorf("result = %v, want Processed", res)
	}
	if len(rec.updates) != 1 || rec.updates[0].Type != TypePermission {
		t.Errorf("permission callback must reach hooks immediately")
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 0 {
		t.Errorf("permission callback must not consume sequence, got %d", sub.Sequence)
	}
}

func TestProcessorLowGranularityTriggersPull(t *testing.T) {
	proc, _, rec, sync := newTestProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	res, err := proc.Process(ctx, "a1", &Envelope{
		ID: "pub1", SubscriptionID: "sub1", Target: "properties",
		Type: TypeDiff, Sequence: 1,
		URL: "https://remote.example/pub1/subscriptions/a1/sub1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res != Pending {
		t.Errorf("result = %v, want Pending", res)
	}
	if sync.syncs != 1 {
		t.Errorf("sync triggers = %d, want 1", sync.syncs)
	}
	if len(rec.updates) != 0 {
		t.Errorf("no inline data must reach hooks before the pull")
	}
}

func TestProcessorUnknownSubscription(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t, ProcessorOptions{})

	_, err := proc.Process(context.Background(), "a1", &Envelope{
		ID: "pub1", SubscriptionID: "nope", Type: TypeDiff, Sequence: 1,
		Data: json.RawMessage(`1`),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
