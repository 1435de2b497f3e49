package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

func newTestMirror(t *testing.T) (*Mirror, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.CreateActor(context.Background(), &model.Actor{ID: "a1", Creator: "owner"}); err != nil {
		t.Fatalf("create actor: %v", err)
	}
	return NewMirror(st, zap.NewNop()), st
}

func wholeTargetSub() *model.Subscription {
	return &model.Subscription{
		ActorID: "a1", PeerID: "pub1", SubscriptionID: "sub1", IsCallback: true,
		Target: "properties",
	}
}

func TestMirrorScalarLifecycle(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()
	sub := wholeTargetSub()

	if err := m.ApplyDiff(ctx, "a1", "pub1", sub, 1, json.RawMessage(`{"color":"red"}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := m.Get(ctx, "a1", "pub1", "color")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `"red"` {
		t.Errorf("color = %s", got)
	}

	// null means deletion
	if err := m.ApplyDiff(ctx, "a1", "pub1", sub, 2, json.RawMessage(`{"color":null}`)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, err := m.Get(ctx, "a1", "pub1", "color"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after null, got %v", err)
	}
}

func TestMirrorScopedSubtarget(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()
	sub := wholeTargetSub()
	sub.Subtarget = "color"

	// scoped diffs carry the bare value
	if err := m.ApplyDiff(ctx, "a1", "pub1", sub, 1, json.RawMessage(`"red"`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := m.Get(ctx, "a1", "pub1", "color")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `"red"` {
		t.Errorf("color = %s", got)
	}
}

func TestMirrorListOperations(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()
	sub := wholeTargetSub()

	ops := []string{
		`{"list":"todo","operation":"append","item":"a","length":1}`,
		`{"list":"todo","operation":"append","item":"c","length":2}`,
		`{"list":"todo","operation":"insert","item":"b","index":1,"length":3}`,
		`{"list":"todo","operation":"update","item":"B","index":1,"length":3}`,
		`{"list":"todo","operation":"delete","index":0,"length":2}`,
	}
	for i, op := range ops {
		if err := m.ApplyDiff(ctx, "a1", "pub1", sub, i+1, json.RawMessage(op)); err != nil {
			t.Fatalf("apply op %d: %v", i, err)
		}
	}

	items, err := m.GetList(ctx, "a1", "pub1", "todo")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	want := []string{`"B"`, `"c"`}
	if len(items) != len(want) {
		t.Fatalf("items = %v, want %v", items, want)
	}
	for i, w := range want {
		if string(items[i]) != w {
			t.Errorf("items[%d] = %s, want %s", i, items[i], w)
		}
	}

	if err := m.ApplyDiff(ctx, "a1", "pub1", sub, 6,
		json.RawMessage(`{"list":"todo","operation":"delete_all","length":0}`)); err != nil {
		t.Fatalf("delete_all: %v", err)
	}
	if _, err := m.GetList(ctx, "a1", "pub1", "todo"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete_all, got %v", err)
	}
}

func TestMirrorListRemoveAndPop(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()
	sub := wholeTargetSub()

	seed := []string{
		`{"list":"todo","operation":"extend","items":["a","b","c"],"length":3}`,
		`{"list":"todo","operation":"remove","item":"b","length":2}`,
		`{"list":"todo","operation":"pop","length":1}`,
	}
	for i, op := range seed {
		if err := m.ApplyDiff(ctx, "a1", "pub1", sub, i+1, json.RawMessage(op)); err != nil {
			t.Fatalf("apply op %d: %v", i, err)
		}
	}
	items, err := m.GetList(ctx, "a1", "pub1", "todo")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(items) != 1 || string(items[0]) != `"a"` {
		t.Errorf("items = %v, want [\"a\"]", items)
	}
}

func TestMirrorIndexDriftFails(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()
	sub := wholeTargetSub()

	err := m.ApplyDiff(ctx, "a1", "pub1", sub, 1,
		json.RawMessage(`{"list":"todo","operation":"update","item":"x","index":5,"length":1}`))
	if err == nil {
		t.Errorf("out-of-range replay must fail so a resync can repair")
	}
}

func TestReplaceBaseline(t *testing.T) {
	m, st := newTestMirror(t)
	ctx := context.Background()

	if err := st.PutAttr(ctx, "a1", model.MirrorBucket("pub1"), "stale", json.RawMessage(`{"value":1}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := m.ReplaceBaseline(ctx, "a1", "pub1", map[string]json.RawMessage{
		"color": json.RawMessage(`"red"`),
		"todo":  json.RawMessage(`["milk"]`),
	})
	if err != nil {
		t.Fatalf("replace baseline: %v", err)
	}

	if _, err := st.GetAttr(ctx, "a1", model.MirrorBucket("pub1"), "stale"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale entries must be dropped, got %v", err)
	}
	if got, err := m.Get(ctx, "a1", "pub1", "color"); err != nil || string(got) != `"red"` {
		t.Errorf("color = %s (%v)", got, err)
	}
	items, err := m.GetList(ctx, "a1", "pub1", "todo")
	if err != nil || len(items) != 1 {
		t.Errorf("todo = %v (%v)", items, err)
	}
}
