package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

// stubPeerAPI scripts peer responses per subscription ID.
type stubPeerAPI struct {
	pages        map[string]*peer.DiffPage
	gone         map[string]bool
	resources    map[string]json.RawMessage
	trustErr     error
	confirmed    map[string]int
	resourceErrs map[string]error
}

func newStubPeerAPI() *stubPeerAPI {
	return &stubPeerAPI{
		pages:        map[string]*peer.DiffPage{},
		gone:         map[string]bool{},
		resources:    map[string]json.RawMessage{},
		confirmed:    map[string]int{},
		resourceErrs: map[string]error{},
	}
}

func (s *stubPeerAPI) GetDiffs(_ context.Context, _, _, subID, _ string) (*peer.DiffPage, error) {
	if s.gone[subID] {
		return nil, peer.ErrNotFound
	}
	if page, ok := s.pages[subID]; ok {
		return page, nil
	}
	return &peer.DiffPage{}, nil
}

func (s *stubPeerAPI) ConfirmDiffs(_ context.Context, _, _, subID, _ string, seq int) error {
	s.confirmed[subID] = seq
	return nil
}

func (s *stubPeerAPI) GetResource(_ context.Context, _, path, _ string) (json.RawMessage, error) {
	if err, ok := s.resourceErrs[path]; ok {
		return nil, err
	}
	if raw, ok := s.resources[path]; ok {
		return raw, nil
	}
	return nil, peer.ErrNotFound
}

func (s *stubPeerAPI) GetTrust(_ context.Context, _, _, _, _ string) (*peer.TrustDoc, error) {
	if s.trustErr != nil {
		return nil, s.trustErr
	}
	return &peer.TrustDoc{Approved: true}, nil
}

// stubRevoker records revocations.
type stubRevoker struct {
	revoked []string
}

func (r *stubRevoker) DeleteReciprocalTrust(_ context.Context, _, peerID string, _ bool) (bool, error) {
	r.revoked = append(r.revoked, peerID)
	return false, nil
}

// stubCleaner records subscription cleanups.
type stubCleaner struct {
	cleaned []string
}

func (c *stubCleaner) Delete(_ context.Context, _, _, subID string) error {
	c.cleaned = append(c.cleaned, subID)
	return nil
}

func newTestSyncer(t *testing.T, api *stubPeerAPI, opts Options) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateActor(ctx, &model.Actor{ID: "a1", Creator: "owner"}); err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if err := st.PutTrust(ctx, &model.Trust{
		ActorID: "a1", PeerID: "pub1", BaseURI: "https://remote.example/pub1",
		Secret: "s", Relationship: "friend",
		Approved: true, PeerApproved: true, EstablishedVia: model.ViaTrust,
	}); err != nil {
		t.Fatalf("seed trust: %v", err)
	}
	if err := st.CreateSubscription(ctx, &model.Subscription{
		ActorID: "a1", PeerID: "pub1", SubscriptionID: "sub1", IsCallback: true,
		Target: "properties", Granularity: model.GranularityHigh,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	mirror := NewMirror(st, zap.NewNop())
	svc := NewService(st, api, mirror, opts, zap.NewNop())
	proc := subscription.NewProcessor(st, &hooks.Registry{}, mirror, svc, subscription.ProcessorOptions{}, zap.NewNop())
	svc.SetProcessor(proc)
	return svc, st
}

func TestSyncSubscriptionPullsAndConfirms(t *testing.T) {
	api := newStubPeerAPI()
	now := time.Now().UTC()
	api.pages["sub1"] = &peer.DiffPage{
		Sequence: 2,
		Data: []peer.DiffEntry{
			{Sequence: 1, Timestamp: now, Data: json.RawMessage(`{"color":"red"}`)},
			{Sequence: 2, Timestamp: now, Data: json.RawMessage(`{"color":"blue"}`)},
		},
	}
	svc, st := newTestSyncer(t, api, Options{})
	ctx := context.Background()

	if err := svc.SyncSubscription(ctx, "a1", "pub1", "sub1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", sub.Sequence)
	}
	if api.confirmed["sub1"] != 2 {
		t.Errorf("confirmed = %d, want 2", api.confirmed["sub1"])
	}

	mirror := NewMirror(st, zap.NewNop())
	got, err := mirror.Get(ctx, "a1", "pub1", "color")
	if err != nil {
		t.Fatalf("mirror get: %v", err)
	}
	if string(got) != `"blue"` {
		t.Errorf("mirrored color = %s, want \"blue\"", got)
	}
}

func TestSyncSubscriptionBaselineWithListInlining(t *testing.T) {
	api := newStubPeerAPI()
	api.pages["sub1"] = &peer.DiffPage{Sequence: 7}
	api.resources["properties?metadata=true"] = json.RawMessage(
		`{"color":"red","todo":{"_list":true,"count":2}}`)
	api.resources["properties/todo"] = json.RawMessage(`["milk","bread"]`)
	svc, st := newTestSyncer(t, api, Options{AutoBaseline: true})
	ctx := context.Background()

	if err := svc.SyncSubscription(ctx, "a1", "pub1", "sub1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 7 {
		t.Errorf("sequence = %d, want publisher's 7", sub.Sequence)
	}

	mirror := NewMirror(st, zap.NewNop())
	color, err := mirror.Get(ctx, "a1", "pub1", "color")
	if err != nil {
		t.Fatalf("mirror get: %v", err)
	}
	if string(color) != `"red"` {
		t.Errorf("color = %s", color)
	}
	items, err := mirror.GetList(ctx, "a1", "pub1", "todo")
	if err != nil {
		t.Fatalf("mirror list: %v", err)
	}
	if len(items) != 2 || string(items[0]) != `"milk"` {
		t.Errorf("items = %v", items)
	}
}

func TestSyncSubscriptionBaselineDegradesOnListFetchFailure(t *testing.T) {
	api := newStubPeerAPI()
	api.pages["sub1"] = &peer.DiffPage{Sequence: 1}
	api.resources["properties?metadata=true"] = json.RawMessage(
		`{"color":"red","todo":{"_list":true,"count":2}}`)
	api.resourceErrs["properties/todo"] = errors.New("timeout")
	svc, st := newTestSyncer(t, api, Options{AutoBaseline: true})
	ctx := context.Background()

	if err := svc.SyncSubscription(ctx, "a1", "pub1", "sub1"); err != nil {
		t.Fatalf("sync must survive a list fetch failure: %v", err)
	}
	mirror := NewMirror(st, zap.NewNop())
	if _, err := mirror.Get(ctx, "a1", "pub1", "color"); err != nil {
		t.Errorf("scalar baseline must still land: %v", err)
	}
}

func TestSyncPeerRevokedTrust(t *testing.T) {
	api := newStubPeerAPI()
	api.gone["sub1"] = true
	api.trustErr = peer.ErrNotFound
	svc, _ := newTestSyncer(t, api, Options{})
	revoker := &stubRevoker{}
	svc.SetTrustRevoker(revoker)

	if err := svc.SyncPeer(context.Background(), "a1", "pub1"); err != nil {
		t.Fatalf("sync peer: %v", err)
	}
	if len(revoker.revoked) != 1 || revoker.revoked[0] != "pub1" {
		t.Errorf("revoked = %v, want [pub1]", revoker.revoked)
	}
}

func TestSyncPeerCleansDeadSubscription(t *testing.T) {
	api := newStubPeerAPI()
	api.gone["sub1"] = true
	api.pages["sub2"] = &peer.DiffPage{}
	svc, st := newTestSyncer(t, api, Options{})
	ctx := context.Background()

	// a second, healthy subscription keeps the trust alive
	if err := st.CreateSubscription(ctx, &model.Subscription{
		ActorID: "a1", PeerID: "pub1", SubscriptionID: "sub2", IsCallback: true,
		Target: "properties", Sequence: 3, Granularity: model.GranularityHigh,
	}); err != nil {
		t.Fatalf("seed sub2: %v", err)
	}
	revoker := &stubRevoker{}
	cleaner := &stubCleaner{}
	svc.SetTrustRevoker(revoker)
	svc.SetSubscriptionCleaner(cleaner)

	if err := svc.SyncPeer(ctx, "a1", "pub1"); err != nil {
		t.Fatalf("sync peer: %v", err)
	}
	if len(revoker.revoked) != 0 {
		t.Errorf("healthy peer must not be revoked")
	}
	if len(cleaner.cleaned) != 1 || cleaner.cleaned[0] != "sub1" {
		t.Errorf("cleaned = %v, want [sub1]", cleaner.cleaned)
	}
}

func TestResyncSubscriptionRebuilds(t *testing.T) {
	api := newStubPeerAPI()
	api.pages["sub1"] = &peer.DiffPage{Sequence: 12}
	api.resources["properties?metadata=true"] = json.RawMessage(`{"color":"green"}`)
	svc, st := newTestSyncer(t, api, Options{AutoBaseline: true})
	ctx := context.Background()

	// stale mirror content and processor state to be replaced
	if err := st.PutAttr(ctx, "a1", model.MirrorBucket("pub1"), "old", json.RawMessage(`{"value":"stale"}`)); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	if err := st.PutAttr(ctx, "a1", model.CallbackStateBucket, "sub1", json.RawMessage(`{"pending":[{"sequence":9}]}`)); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := svc.ResyncSubscription(ctx, "a1", "pub1", "sub1"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	sub, _ := st.GetSubscription(ctx, "a1", "pub1", "sub1")
	if sub.Sequence != 12 {
		t.Errorf("sequence = %d, want 12", sub.Sequence)
	}
	if _, err := st.GetAttr(ctx, "a1", model.MirrorBucket("pub1"), "old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale mirror entry must be gone, got %v", err)
	}
	if _, err := st.GetAttr(ctx, "a1", model.CallbackStateBucket, "sub1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("processor state must be reset, got %v", err)
	}
	mirror := NewMirror(st, zap.NewNop())
	if got, err := mirror.Get(ctx, "a1", "pub1", "color"); err != nil || string(got) != `"green"` {
		t.Errorf("baseline color = %s (%v), want \"green\"", got, err)
	}
}

func TestSyncSubscriptionGone(t *testing.T) {
	api := newStubPeerAPI()
	api.gone["sub1"] = true
	svc, _ := newTestSyncer(t, api, Options{})

	err := svc.SyncSubscription(context.Background(), "a1", "pub1", "sub1")
	if !errors.Is(err, ErrSubscriptionGone) {
		t.Errorf("expected ErrSubscriptionGone, got %v", err)
	}
}

func TestRefreshPeerCacheStoresMeta(t *testing.T) {
	api := newStubPeerAPI()
	api.resources["meta"] = json.RawMessage(`{"id":"pub1","supports":["diff","resync"]}`)
	svc, st := newTestSyncer(t, api, Options{PeerCacheTTL: time.Minute})
	ctx := context.Background()

	if err := svc.RefreshPeerCache(ctx, "a1", "pub1"); err != nil {
		t.Fatalf("refresh peer cache: %v", err)
	}
	attr, err := st.GetAttr(ctx, "a1", model.PeerCacheBucket("pub1"), "meta")
	if err != nil {
		t.Fatalf("get cached meta: %v", err)
	}
	var doc struct {
		Supports []string `json:"supports"`
	}
	if err := json.Unmarshal(attr.Data, &doc); err != nil {
		t.Fatalf("decode cached meta: %v", err)
	}
	if len(doc.Supports) != 2 {
		t.Errorf("supports = %v, want [diff resync]", doc.Supports)
	}

	// within TTL a second call leaves the entry alone
	api.resources["meta"] = json.RawMessage(`{"id":"pub1","supports":["diff"]}`)
	if err := svc.RefreshPeerCache(ctx, "a1", "pub1"); err != nil {
		t.Fatalf("refresh within ttl: %v", err)
	}
	attr2, err := st.GetAttr(ctx, "a1", model.PeerCacheBucket("pub1"), "meta")
	if err != nil {
		t.Fatalf("get cached meta: %v", err)
	}
	if string(attr2.Data) != string(attr.Data) {
		t.Errorf("cache refreshed within ttl: %s", attr2.Data)
	}
}

func TestResyncScopedSubscriptionRefreshesSlice(t *testing.T) {
	api := newStubPeerAPI()
	api.pages["sub2"] = &peer.DiffPage{Sequence: 7}
	api.resources["properties/colors"] = json.RawMessage(`["red","blue"]`)
	svc, st := newTestSyncer(t, api, Options{AutoBaseline: true})
	ctx := context.Background()

	if err := st.CreateSubscription(ctx, &model.Subscription{
		ActorID: "a1", PeerID: "pub1", SubscriptionID: "sub2", IsCallback: true,
		Target: "properties", Subtarget: "list:colors", Granularity: model.GranularityHigh,
	}); err != nil {
		t.Fatalf("seed scoped subscription: %v", err)
	}
	// an entry outside the scope must survive the refresh
	if err := st.PutAttr(ctx, "a1", model.MirrorBucket("pub1"), "color", json.RawMessage(`{"value":"red"}`)); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	if err := svc.ResyncSubscription(ctx, "a1", "pub1", "sub2"); err != nil {
		t.Fatalf("resync scoped: %v", err)
	}

	mirror := NewMirror(st, zap.NewNop())
	items, err := mirror.GetList(ctx, "a1", "pub1", "colors")
	if err != nil {
		t.Fatalf("mirrored list: %v", err)
	}
	if len(items) != 2 || string(items[0]) != `"red"` || string(items[1]) != `"blue"` {
		t.Errorf("mirrored items = %v, want [red blue]", items)
	}
	if got, err := mirror.Get(ctx, "a1", "pub1", "color"); err != nil || string(got) != `"red"` {
		t.Errorf("out-of-scope entry = %s (%v), want untouched \"red\"", got, err)
	}
	sub, err := st.GetSubscription(ctx, "a1", "pub1", "sub2")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Sequence != 7 {
		t.Errorf("sequence = %d, want the peer's 7", sub.Sequence)
	}
}
