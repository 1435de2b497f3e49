package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/actingweb/actingweb-go/internal/model"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for testing and for single-process deployments that do
// not require durable persistence across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	actors   map[string]*model.Actor
	props    map[string]map[string]json.RawMessage
	lists    map[string]map[string][]json.RawMessage
	listMeta map[string]map[string]*model.ListMeta
	trusts   map[string]map[string]*model.Trust
	subs     map[string]map[string]*model.Subscription
	diffs    map[string]map[string][]model.Diff
	attrs    map[string]map[string]map[string]*model.Attribute
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:   make(map[string]*model.Actor),
		props:    make(map[string]map[string]json.RawMessage),
		lists:    make(map[string]map[string][]json.RawMessage),
		listMeta: make(map[string]map[string]*model.ListMeta),
		trusts:   make(map[string]map[string]*model.Trust),
		subs:     make(map[string]map[string]*model.Subscription),
		diffs:    make(map[string]map[string][]model.Diff),
		attrs:    make(map[string]map[string]map[string]*model.Attribute),
	}
}

func subKey(peerID, subID string) string {
	return peerID + "/" + subID
}

// ── ActorStore ───────────────────────────────────────────────────────────

// CreateActor implements ActorStore.
func (m *MemoryStore) CreateActor(_ context.Context, a *model.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	m.actors[a.ID] = &cp
	return nil
}

// GetActor implements ActorStore.
func (m *MemoryStore) GetActor(_ context.Context, actorID string) (*model.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[actorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// UpdateActor implements ActorStore.
func (m *MemoryStore) UpdateActor(_ context.Context, a *model.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.actors[a.ID] = &cp
	return nil
}

// DeleteActor implements ActorStore. It removes only the actor row;
// cascade across the other tables is orchestrated by the actor service.
func (m *MemoryStore) DeleteActor(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[actorID]; !ok {
		return ErrNotFound
	}
	delete(m.actors, actorID)
	return nil
}

// ListActorIDs implements ActorStore.
func (m *MemoryStore) ListActorIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ── PropertyStore ────────────────────────────────────────────────────────

// PutProperty implements PropertyStore.
func (m *MemoryStore) PutProperty(_ context.Context, actorID, name string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.props[actorID] == nil {
		m.props[actorID] = make(map[string]json.RawMessage)
	}
	m.props[actorID][name] = append(json.RawMessage(nil), value...)
	return nil
}

// GetProperty implements PropertyStore.
func (m *MemoryStore) GetProperty(_ context.Context, actorID, name string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[actorID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

// DeleteProperty implements PropertyStore.
func (m *MemoryStore) DeleteProperty(_ context.Context, actorID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.props[actorID][name]; !ok {
		return ErrNotFound
	}
	delete(m.props[actorID], name)
	return nil
}

// ListProperties implements PropertyStore. Results are sorted by name for
// deterministic iteration.
func (m *MemoryStore) ListProperties(_ context.Context, actorID string) ([]model.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Property
	for name, v := range m.props[actorID] {
		out = append(out, model.Property{
			ActorID: actorID,
			Name:    name,
			Value:   append(json.RawMessage(nil), v...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutListItems implements PropertyStore.
func (m *MemoryStore) PutListItems(_ context.Context, actorID, name string, items []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lists[actorID] == nil {
		m.lists[actorID] = make(map[string][]json.RawMessage)
	}
	cp := make([]json.RawMessage, len(items))
	for i, it := range items {
		cp[i] = append(json.RawMessage(nil), it...)
	}
	m.lists[actorID][name] = cp
	return nil
}

// GetListItems implements PropertyStore.
func (m *MemoryStore) GetListItems(_ context.Context, actorID, name string) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, ok := m.lists[actorID][name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]json.RawMessage, len(items))
	for i, it := range items {
		cp[i] = append(json.RawMessage(nil), it...)
	}
	return cp, nil
}

// PutListMeta implements PropertyStore.
func (m *MemoryStore) PutListMeta(_ context.Context, actorID, name string, meta *model.ListMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listMeta[actorID] == nil {
		m.listMeta[actorID] = make(map[string]*model.ListMeta)
	}
	cp := *meta
	m.listMeta[actorID][name] = &cp
	return nil
}

// GetListMeta implements PropertyStore.
func (m *MemoryStore) GetListMeta(_ context.Context, actorID, name string) (*model.ListMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.listMeta[actorID][name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

// DeleteList implements PropertyStore. It removes both items and metadata.
func (m *MemoryStore) DeleteList(_ context.Context, actorID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[actorID][name]; !ok {
		return ErrNotFound
	}
	delete(m.lists[actorID], name)
	delete(m.listMeta[actorID], name)
	return nil
}

// ListListNames implements PropertyStore.
func (m *MemoryStore) ListListNames(_ context.Context, actorID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.lists[actorID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteAllProperties implements PropertyStore.
func (m *MemoryStore) DeleteAllProperties(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, actorID)
	delete(m.lists, actorID)
	delete(m.listMeta, actorID)
	return nil
}

// ── TrustStore ───────────────────────────────────────────────────────────

// PutTrust implements TrustStore. It creates or replaces the row for
// (actor_id, peer_id).
func (m *MemoryStore) PutTrust(_ context.Context, t *model.Trust) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trusts[t.ActorID] == nil {
		m.trusts[t.ActorID] = make(map[string]*model.Trust)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	m.trusts[t.ActorID][t.PeerID] = &cp
	return nil
}

// GetTrust implements TrustStore.
func (m *MemoryStore) GetTrust(_ context.Context, actorID, peerID string) (*model.Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trusts[actorID][peerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTrusts implements TrustStore.
func (m *MemoryStore) ListTrusts(_ context.Context, actorID string) ([]*model.Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Trust
	for _, t := range m.trusts[actorID] {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// FindTrustBySecret implements TrustStore.
func (m *MemoryStore) FindTrustBySecret(_ context.Context, actorID, secret string) (*model.Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trusts[actorID] {
		if t.Secret == secret {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteTrust implements TrustStore.
func (m *MemoryStore) DeleteTrust(_ context.Context, actorID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trusts[actorID][peerID]; !ok {
		return ErrNotFound
	}
	delete(m.trusts[actorID], peerID)
	return nil
}

// DeleteAllTrusts implements TrustStore.
func (m *MemoryStore) DeleteAllTrusts(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trusts, actorID)
	return nil
}

// ── SubscriptionStore ────────────────────────────────────────────────────

// CreateSubscription implements SubscriptionStore.
func (m *MemoryStore) CreateSubscription(_ context.Context, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[s.ActorID] == nil {
		m.subs[s.ActorID] = make(map[string]*model.Subscription)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.subs[s.ActorID][subKey(s.PeerID, s.SubscriptionID)] = &cp
	return nil
}

// GetSubscription implements SubscriptionStore.
func (m *MemoryStore) GetSubscription(_ context.Context, actorID, peerID, subID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[actorID][subKey(peerID, subID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSubscriptions implements SubscriptionStore.
func (m *MemoryStore) ListSubscriptions(_ context.Context, actorID string) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.subs[actorID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

// ListSubscriptionsByPeer implements SubscriptionStore.
func (m *MemoryStore) ListSubscriptionsByPeer(_ context.Context, actorID, peerID string) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.subs[actorID] {
		if s.PeerID == peerID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

// UpdateSequence implements SubscriptionStore.
func (m *MemoryStore) UpdateSequence(_ context.Context, actorID, peerID, subID string, seq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[actorID][subKey(peerID, subID)]
	if !ok {
		return ErrNotFound
	}
	s.Sequence = seq
	return nil
}

// DeleteSubscription implements SubscriptionStore. Diffs for the
// subscription are removed with it.
func (m *MemoryStore) DeleteSubscription(_ context.Context, actorID, peerID, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[actorID][subKey(peerID, subID)]; !ok {
		return ErrNotFound
	}
	delete(m.subs[actorID], subKey(peerID, subID))
	delete(m.diffs[actorID], subID)
	return nil
}

// DeleteAllSubscriptions implements SubscriptionStore.
func (m *MemoryStore) DeleteAllSubscriptions(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, actorID)
	delete(m.diffs, actorID)
	return nil
}

// ── DiffStore ────────────────────────────────────────────────────────────

// RegisterDiff implements DiffStore. The sequence increment and the diff
// insert happen under one lock, so they are atomic with respect to other
// store operations.
func (m *MemoryStore) RegisterDiff(_ context.Context, actorID, peerID, subID, blob string, ts time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[actorID][subKey(peerID, subID)]
	if !ok {
		return 0, ErrNotFound
	}
	seq := s.Sequence + 1
	s.Sequence = seq
	if m.diffs[actorID] == nil {
		m.diffs[actorID] = make(map[string][]model.Diff)
	}
	m.diffs[actorID][subID] = append(m.diffs[actorID][subID], model.Diff{
		ActorID:        actorID,
		SubscriptionID: subID,
		Sequence:       seq,
		Blob:           blob,
		Timestamp:      ts,
	})
	return seq, nil
}

// ListDiffs implements DiffStore. Diffs are returned ordered by sequence.
func (m *MemoryStore) ListDiffs(_ context.Context, actorID, subID string) ([]model.Diff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	diffs := m.diffs[actorID][subID]
	out := make([]model.Diff, len(diffs))
	copy(out, diffs)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ClearDiffs implements DiffStore. It removes all diffs with sequence
// less than or equal to upToSeq.
func (m *MemoryStore) ClearDiffs(_ context.Context, actorID, subID string, upToSeq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	diffs := m.diffs[actorID][subID]
	var kept []model.Diff
	for _, d := range diffs {
		if d.Sequence > upToSeq {
			kept = append(kept, d)
		}
	}
	if m.diffs[actorID] != nil {
		m.diffs[actorID][subID] = kept
	}
	return nil
}

// DeleteAllDiffs implements DiffStore.
func (m *MemoryStore) DeleteAllDiffs(_ context.Context, actorID, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.diffs[actorID], subID)
	return nil
}

// ── AttributeStore ───────────────────────────────────────────────────────

// PutAttr implements AttributeStore. It writes unconditionally and bumps
// the stored version.
func (m *MemoryStore) PutAttr(_ context.Context, actorID, bucket, name string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAttrLocked(actorID, bucket, name, data)
	return nil
}

func (m *MemoryStore) putAttrLocked(actorID, bucket, name string, data json.RawMessage) int {
	if m.attrs[actorID] == nil {
		m.attrs[actorID] = make(map[string]map[string]*model.Attribute)
	}
	if m.attrs[actorID][bucket] == nil {
		m.attrs[actorID][bucket] = make(map[string]*model.Attribute)
	}
	version := 1
	if prev, ok := m.attrs[actorID][bucket][name]; ok {
		version = prev.Version + 1
	}
	m.attrs[actorID][bucket][name] = &model.Attribute{
		ActorID:   actorID,
		Bucket:    bucket,
		Name:      name,
		Data:      append(json.RawMessage(nil), data...),
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
	return version
}

// PutAttrCAS implements AttributeStore.
func (m *MemoryStore) PutAttrCAS(_ context.Context, actorID, bucket, name string, data json.RawMessage, expectedVersion int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := 0
	if a, ok := m.attrs[actorID][bucket][name]; ok {
		current = a.Version
	}
	if current != expectedVersion {
		return 0, ErrConflict
	}
	return m.putAttrLocked(actorID, bucket, name, data), nil
}

// GetAttr implements AttributeStore.
func (m *MemoryStore) GetAttr(_ context.Context, actorID, bucket, name string) (*model.Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attrs[actorID][bucket][name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Data = append(json.RawMessage(nil), a.Data...)
	return &cp, nil
}

// ListBucket implements AttributeStore.
func (m *MemoryStore) ListBucket(_ context.Context, actorID, bucket string) ([]model.Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Attribute
	for _, a := range m.attrs[actorID][bucket] {
		cp := *a
		cp.Data = append(json.RawMessage(nil), a.Data...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteAttr implements AttributeStore.
func (m *MemoryStore) DeleteAttr(_ context.Context, actorID, bucket, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs[actorID][bucket], name)
	return nil
}

// DeleteBucket implements AttributeStore. The whole bucket disappears
// atomically under the store lock.
func (m *MemoryStore) DeleteBucket(_ context.Context, actorID, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs[actorID], bucket)
	return nil
}

// DeleteAllBuckets implements AttributeStore.
func (m *MemoryStore) DeleteAllBuckets(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs, actorID)
	return nil
}
