package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/actingweb/actingweb-go/internal/model"
)

func TestActorLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateActor(ctx, &model.Actor{ID: "a1", Creator: "me@example.com"}); err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	a, err := st.GetActor(ctx, "a1")
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if a.Creator != "me@example.com" {
		t.Errorf("creator = %q, want me@example.com", a.Creator)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt not populated on create")
	}

	// mutating the returned copy must not touch the stored row
	a.Creator = "changed"
	b, _ := st.GetActor(ctx, "a1")
	if b.Creator != "me@example.com" {
		t.Error("GetActor returned a shared reference")
	}

	if err := st.DeleteActor(ctx, "a1"); err != nil {
		t.Fatalf("DeleteActor: %v", err)
	}
	if _, err := st.GetActor(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActor after delete = %v, want ErrNotFound", err)
	}
	if err := st.DeleteActor(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteActor = %v, want ErrNotFound", err)
	}
}

func TestListActorIDsSorted(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"charlie", "alice", "bob"} {
		if err := st.CreateActor(ctx, &model.Actor{ID: id}); err != nil {
			t.Fatalf("CreateActor %s: %v", id, err)
		}
	}
	ids, err := st.ListActorIDs(ctx)
	if err != nil {
		t.Fatalf("ListActorIDs: %v", err)
	}
	want := []string{"alice", "bob", "charlie"}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestScalarAndListAreSeparate(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.PutProperty(ctx, "a1", "color", json.RawMessage(`"red"`)); err != nil {
		t.Fatalf("PutProperty: %v", err)
	}
	if err := st.PutListItems(ctx, "a1", "todo", []json.RawMessage{json.RawMessage(`"x"`)}); err != nil {
		t.Fatalf("PutListItems: %v", err)
	}

	if _, err := st.GetListItems(ctx, "a1", "color"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetListItems on scalar name = %v, want ErrNotFound", err)
	}
	if _, err := st.GetProperty(ctx, "a1", "todo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProperty on list name = %v, want ErrNotFound", err)
	}

	names, err := st.ListListNames(ctx, "a1")
	if err != nil {
		t.Fatalf("ListListNames: %v", err)
	}
	if len(names) != 1 || names[0] != "todo" {
		t.Errorf("list names = %v, want [todo]", names)
	}

	props, err := st.ListProperties(ctx, "a1")
	if err != nil {
		t.Fatalf("ListProperties: %v", err)
	}
	if len(props) != 1 || props[0].Name != "color" {
		t.Errorf("scalar props = %v, want only color", props)
	}
}

func TestDeleteListRemovesMeta(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.PutListItems(ctx, "a1", "todo", nil); err != nil {
		t.Fatalf("PutListItems: %v", err)
	}
	if err := st.PutListMeta(ctx, "a1", "todo", &model.ListMeta{Description: "tasks"}); err != nil {
		t.Fatalf("PutListMeta: %v", err)
	}
	if err := st.DeleteList(ctx, "a1", "todo"); err != nil {
		t.Fatalf("DeleteList: %v", err)
	}
	if _, err := st.GetListMeta(ctx, "a1", "todo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetListMeta after delete = %v, want ErrNotFound", err)
	}
}

func TestFindTrustBySecret(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.PutTrust(ctx, &model.Trust{ActorID: "a1", PeerID: "p1", Secret: "s-one"}); err != nil {
		t.Fatalf("PutTrust: %v", err)
	}
	if err := st.PutTrust(ctx, &model.Trust{ActorID: "a1", PeerID: "p2", Secret: "s-two"}); err != nil {
		t.Fatalf("PutTrust: %v", err)
	}

	tr, err := st.FindTrustBySecret(ctx, "a1", "s-two")
	if err != nil {
		t.Fatalf("FindTrustBySecret: %v", err)
	}
	if tr.PeerID != "p2" {
		t.Errorf("peer = %q, want p2", tr.PeerID)
	}
	if _, err := st.FindTrustBySecret(ctx, "a1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown secret = %v, want ErrNotFound", err)
	}
	if _, err := st.FindTrustBySecret(ctx, "other", "s-two"); !errors.Is(err, ErrNotFound) {
		t.Errorf("secret scoped to wrong actor = %v, want ErrNotFound", err)
	}
}

func TestRegisterDiffSequencing(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub := &model.Subscription{ActorID: "a1", PeerID: "p1", SubscriptionID: "s1", Target: "properties"}
	if err := st.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		seq, err := st.RegisterDiff(ctx, "a1", "p1", "s1", `{"n":1}`, now)
		if err != nil {
			t.Fatalf("RegisterDiff %d: %v", i, err)
		}
		if seq != i {
			t.Errorf("diff %d got sequence %d", i, seq)
		}
	}

	got, _ := st.GetSubscription(ctx, "a1", "p1", "s1")
	if got.Sequence != 3 {
		t.Errorf("subscription sequence = %d, want 3", got.Sequence)
	}

	if err := st.ClearDiffs(ctx, "a1", "s1", 2); err != nil {
		t.Fatalf("ClearDiffs: %v", err)
	}
	diffs, err := st.ListDiffs(ctx, "a1", "s1")
	if err != nil {
		t.Fatalf("ListDiffs: %v", err)
	}
	if len(diffs) != 1 || diffs[0].Sequence != 3 {
		t.Errorf("remaining diffs = %+v, want only sequence 3", diffs)
	}

	// sequence keeps counting after a clear
	seq, err := st.RegisterDiff(ctx, "a1", "p1", "s1", `{}`, now)
	if err != nil {
		t.Fatalf("RegisterDiff after clear: %v", err)
	}
	if seq != 4 {
		t.Errorf("sequence after clear = %d, want 4", seq)
	}

	if _, err := st.RegisterDiff(ctx, "a1", "p1", "missing", `{}`, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("RegisterDiff on unknown subscription = %v, want ErrNotFound", err)
	}
}

func TestDeleteSubscriptionDropsDiffs(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub := &model.Subscription{ActorID: "a1", PeerID: "p1", SubscriptionID: "s1"}
	if err := st.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if _, err := st.RegisterDiff(ctx, "a1", "p1", "s1", `{}`, time.Now()); err != nil {
		t.Fatalf("RegisterDiff: %v", err)
	}

	if err := st.DeleteSubscription(ctx, "a1", "p1", "s1"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	diffs, _ := st.ListDiffs(ctx, "a1", "s1")
	if len(diffs) != 0 {
		t.Errorf("diffs survived subscription delete: %+v", diffs)
	}
}

func TestPutAttrCAS(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	// expectedVersion 0 means the attribute must not exist yet
	v, err := st.PutAttrCAS(ctx, "a1", "state", "s1", json.RawMessage(`{"n":1}`), 0)
	if err != nil {
		t.Fatalf("initial CAS: %v", err)
	}
	if v != 1 {
		t.Errorf("version after create = %d, want 1", v)
	}

	if _, err := st.PutAttrCAS(ctx, "a1", "state", "s1", json.RawMessage(`{}`), 0); !errors.Is(err, ErrConflict) {
		t.Errorf("CAS create over existing = %v, want ErrConflict", err)
	}
	if _, err := st.PutAttrCAS(ctx, "a1", "state", "s1", json.RawMessage(`{}`), 5); !errors.Is(err, ErrConflict) {
		t.Errorf("CAS with stale version = %v, want ErrConflict", err)
	}

	v, err = st.PutAttrCAS(ctx, "a1", "state", "s1", json.RawMessage(`{"n":2}`), 1)
	if err != nil {
		t.Fatalf("CAS update: %v", err)
	}
	if v != 2 {
		t.Errorf("version after update = %d, want 2", v)
	}

	a, err := st.GetAttr(ctx, "a1", "state", "s1")
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if string(a.Data) != `{"n":2}` {
		t.Errorf("data = %s, want {\"n\":2}", a.Data)
	}
	if a.Version != 2 {
		t.Errorf("stored version = %d, want 2", a.Version)
	}
}

func TestDeleteBucket(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"x", "y"} {
		if err := st.PutAttr(ctx, "a1", "remote:p1", name, json.RawMessage(`1`)); err != nil {
			t.Fatalf("PutAttr: %v", err)
		}
	}
	if err := st.PutAttr(ctx, "a1", "remote:p2", "z", json.RawMessage(`1`)); err != nil {
		t.Fatalf("PutAttr: %v", err)
	}

	if err := st.DeleteBucket(ctx, "a1", "remote:p1"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	attrs, _ := st.ListBucket(ctx, "a1", "remote:p1")
	if len(attrs) != 0 {
		t.Errorf("bucket not emptied: %+v", attrs)
	}
	other, _ := st.ListBucket(ctx, "a1", "remote:p2")
	if len(other) != 1 {
		t.Errorf("sibling bucket affected: %+v", other)
	}
}
