package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/permission"
	"github.com/actingweb/actingweb-go/internal/property"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
	"github.com/actingweb/actingweb-go/internal/syncer"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// stubTrustPeer satisfies the trust engine's peer client without a
// network. GetTrust answers with an empty verification token, so
// incoming trusts stay unverified.
type stubTrustPeer struct{}

func (stubTrustPeer) Meta(_ context.Context, baseURI string) (*peer.Meta, error) {
	return &peer.Meta{ID: "remote", BaseURI: baseURI}, nil
}

func (stubTrustPeer) CreateTrust(context.Context, string, string, *peer.TrustRequest) (int, error) {
	return http.StatusCreated, nil
}

func (stubTrustPeer) GetTrust(context.Context, string, string, string, string) (*peer.TrustDoc, error) {
	return &peer.TrustDoc{Approved: true}, nil
}

func (stubTrustPeer) NotifyTrustApproval(context.Context, string, string, string, string) error {
	return nil
}

func (stubTrustPeer) DeleteTrust(context.Context, string, string, string, string) error {
	return nil
}

func (stubTrustPeer) InvalidateMeta(string) {}

// stubSync satisfies the processor's sync trigger.
type stubSync struct{}

func (stubSync) TriggerSync(context.Context, string, string, string) error   { return nil }
func (stubSync) TriggerResync(context.Context, string, string, string) error { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	logger := zap.NewNop()
	hookReg := &hooks.Registry{}

	actors := actor.NewService(st, hookReg, "http://localhost:8080", "urn:test:app", "1.0", logger)
	evaluator := permission.NewEvaluator(st, logger)
	props := property.NewService(st, nil, hookReg, logger)
	trusts := trust.NewService(st, stubTrustPeer{}, hookReg, nil, logger)
	subs := subscription.NewService(st, nil, evaluator, nil, logger)
	mirror := syncer.NewMirror(st, logger)
	processor := subscription.NewProcessor(st, hookReg, mirror, stubSync{}, subscription.ProcessorOptions{}, logger)
	props.SetDiffSink(subs)
	actors.SetTrustCascader(trusts)

	auth := NewAuth(actors, trusts, logger)
	router := gin.New()
	actorHandler := NewActorHandler(actors, auth, logger)
	actorHandler.RegisterFactory(router.Group(""))
	ag := router.Group("/:actor_id", auth.Authenticate())
	actorHandler.Register(ag)
	NewPropertyHandler(props, evaluator, auth, logger).Register(ag)
	NewTrustHandler(trusts, auth, logger).Register(ag)
	NewSubscriptionHandler(subs, auth, logger).Register(ag)
	NewCallbackHandler(processor, auth, logger).Register(ag)
	return router, st
}

func doJSON(router *gin.Engine, method, path string, body any, creds ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body) //nolint:errcheck
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(creds) == 2 {
		req.SetBasicAuth(creds[0], creds[1])
	}
	if len(creds) == 1 {
		req.Header.Set("Authorization", "Bearer "+creds[0])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createActor(t *testing.T, router *gin.Engine) (id, passphrase string) {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/", map[string]string{"creator": "owner"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create actor status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		ID         string `json:"id"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.ID, resp.Passphrase
}

func TestActorFactoryAndOwnerAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	id, passphrase := createActor(t, router)

	w := doJSON(router, http.MethodGet, "/"+id, nil, "owner", passphrase)
	if w.Code != http.StatusOK {
		t.Errorf("owner get status = %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/"+id, nil, "owner", "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad passphrase status = %d, want 401", w.Code)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != http.StatusUnauthorized || body.Error.Message == "" {
		t.Errorf("error body = %+v, want nested code and message", body)
	}
}

func TestMetaIsPublic(t *testing.T) {
	router, _ := newTestRouter(t)
	id, _ := createActor(t, router)

	w := doJSON(router, http.MethodGet, "/"+id+"/meta", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("meta status = %d", w.Code)
	}
	var m struct {
		ID       string   `json:"id"`
		Supports []string `json:"supports"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if m.ID != id {
		t.Errorf("meta id = %q, want %q", m.ID, id)
	}
	if len(m.Supports) == 0 {
		t.Errorf("meta must advertise supported callback types")
	}
}

func TestPropertyLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)
	id, passphrase := createActor(t, router)

	w := doJSON(router, http.MethodPut, "/"+id+"/properties/color", "red", "owner", passphrase)
	if w.Code != http.StatusNoContent {
		t.Fatalf("put property status = %d, body %s", w.Code, w.Body)
	}

	w = doJSON(router, http.MethodGet, "/"+id+"/properties/color", nil, "owner", passphrase)
	if w.Code != http.StatusOK || w.Body.String() != `"red"` {
		t.Errorf("get property = %d %s, want 200 \"red\"", w.Code, w.Body)
	}

	w = doJSON(router, http.MethodGet, "/"+id+"/properties/missing", nil, "owner", passphrase)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing property status = %d, want 404", w.Code)
	}

	w = doJSON(router, http.MethodDelete, "/"+id+"/properties/color", nil, "owner", passphrase)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete property status = %d", w.Code)
	}
}

func TestPeerPropertyAccessByTier(t *testing.T) {
	router, st := newTestRouter(t)
	id, passphrase := createActor(t, router)
	ctx := context.Background()

	if err := st.PutTrust(ctx, &model.Trust{
		ActorID: id, PeerID: "p1", BaseURI: "https://remote.example/p1",
		Secret: "peer-secret", Relationship: "friend",
		Approved: true, PeerApproved: true, EstablishedVia: model.ViaTrust,
	}); err != nil {
		t.Fatalf("seed trust: %v", err)
	}
	for name, value := range map[string]string{"color": `"red"`, "_private": `"hidden"`} {
		w := doJSON(router, http.MethodPut, "/"+id+"/properties/"+name, json.RawMessage(value), "owner", passphrase)
		if w.Code != http.StatusNoContent {
			t.Fatalf("put %s status = %d", name, w.Code)
		}
	}

	w := doJSON(router, http.MethodGet, "/"+id+"/properties/color", nil, "peer-secret")
	if w.Code != http.StatusOK {
		t.Errorf("friend read status = %d, want 200", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/"+id+"/properties/_private", nil, "peer-secret")
	if w.Code != http.StatusForbidden {
		t.Errorf("underscore read status = %d, want 403", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/"+id+"/properties/color", nil, "bogus-secret")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown secret status = %d, want 401", w.Code)
	}
}

func TestIncomingTrustPendingApproval(t *testing.T) {
	router, _ := newTestRouter(t)
	id, passphrase := createActor(t, router)

	w := doJSON(router, http.MethodPost, "/"+id+"/trust/friend", map[string]string{
		"id": "p1", "base_uri": "https://remote.example/p1",
		"type": "urn:test:app", "secret": "peer-secret",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("incoming trust status = %d, want 202, body %s", w.Code, w.Body)
	}

	// the owner approves and the trust becomes active
	w = doJSON(router, http.MethodPut, "/"+id+"/trust/friend/p1", map[string]bool{"approved": true}, "owner", passphrase)
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", w.Code, w.Body)
	}
	var tr struct {
		Approved     bool `json:"approved"`
		PeerApproved bool `json:"peer_approved"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode trust: %v", err)
	}
	if !tr.Approved || !tr.PeerApproved {
		t.Errorf("trust = %+v, want both sides approved", tr)
	}
}

func TestTrustRelationshipsDiscovery(t *testing.T) {
	router, _ := newTestRouter(t)
	id, _ := createActor(t, router)

	w := doJSON(router, http.MethodGet, "/"+id+"/trust/relationships", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("relationships status = %d", w.Code)
	}
	var resp struct {
		Relationships []string `json:"relationships"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode relationships: %v", err)
	}
	if len(resp.Relationships) == 0 {
		t.Errorf("no relationship tiers advertised")
	}
}

func TestInboundSubscriptionAndDiffPull(t *testing.T) {
	router, st := newTestRouter(t)
	id, passphrase := createActor(t, router)
	ctx := context.Background()

	if err := st.PutTrust(ctx, &model.Trust{
		ActorID: id, PeerID: "p1", BaseURI: "https://remote.example/p1",
		Secret: "peer-secret", Relationship: "friend",
		Approved: true, PeerApproved: true, EstablishedVia: model.ViaTrust,
	}); err != nil {
		t.Fatalf("seed trust: %v", err)
	}

	w := doJSON(router, http.MethodPost, "/"+id+"/subscriptions/p1", map[string]string{
		"target": "properties", "granularity": "none",
	}, "peer-secret")
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d, body %s", w.Code, w.Body)
	}
	var created struct {
		SubscriptionID string `json:"subscriptionid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode subscription: %v", err)
	}

	// a property change queues a diff for the subscriber
	w = doJSON(router, http.MethodPut, "/"+id+"/properties/color", "green", "owner", passphrase)
	if w.Code != http.StatusNoContent {
		t.Fatalf("put property status = %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/"+id+"/subscriptions/p1/"+created.SubscriptionID, nil, "peer-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("pull status = %d, body %s", w.Code, w.Body)
	}
	var page struct {
		Sequence int `json:"sequence"`
		Data     []struct {
			Sequence int `json:"sequence"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].Sequence != 1 {
		t.Errorf("page = %+v, want one diff at sequence 1", page)
	}

	// confirming clears the queue
	w = doJSON(router, http.MethodPut, "/"+id+"/subscriptions/p1/"+created.SubscriptionID, map[string]int{"sequence": 1}, "peer-secret")
	if w.Code != http.StatusNoContent {
		t.Fatalf("confirm status = %d", w.Code)
	}
	w = doJSON(router, http.MethodGet, "/"+id+"/subscriptions/p1/"+created.SubscriptionID, nil, "peer-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("pull after confirm status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Data) != 0 {
		t.Errorf("queue not cleared after confirm: %+v", page.Data)
	}
}

func TestCallbackDeliveryAnswers204(t *testing.T) {
	router, st := newTestRouter(t)
	id, _ := createActor(t, router)
	ctx := context.Background()

	if err := st.PutTrust(ctx, &model.Trust{
		ActorID: id, PeerID: "p1", BaseURI: "https://remote.example/p1",
		Secret: "peer-secret", Relationship: "friend",
		Approved: true, PeerApproved: true, EstablishedVia: model.ViaTrust,
	}); err != nil {
		t.Fatalf("seed trust: %v", err)
	}
	if err := st.CreateSubscription(ctx, &model.Subscription{
		ActorID: id, PeerID: "p1", SubscriptionID: "sub1", IsCallback: true,
		Target: "properties", Granularity: model.GranularityHigh,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	body := map[string]any{"sequence": 1, "data": map[string]string{"color": "red"}}
	w := doJSON(router, http.MethodPost, "/"+id+"/callbacks/subscriptions/p1/sub1", body, "peer-secret")
	if w.Code != http.StatusNoContent {
		t.Errorf("processed callback status = %d, want 204, body %s", w.Code, w.Body)
	}

	// a replay is equally silent
	w = doJSON(router, http.MethodPost, "/"+id+"/callbacks/subscriptions/p1/sub1", body, "peer-secret")
	if w.Code != http.StatusNoContent {
		t.Errorf("duplicate callback status = %d, want 204", w.Code)
	}
}

func TestCallbackRequiresPeerAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	id, _ := createActor(t, router)

	w := doJSON(router, http.MethodPost, "/"+id+"/callbacks/subscriptions/p1/sub1", map[string]any{
		"sequence": 1, "data": map[string]string{"color": "red"},
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated callback status = %d, want 401", w.Code)
	}
}
