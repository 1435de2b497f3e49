// Package store defines the persistence adapter consumed by the engine
// services, together with an in-memory implementation for tests and
// single-process deployments and a PostgreSQL implementation for durable
// multi-instance deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/actingweb/actingweb-go/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by conditional attribute writes when the stored
// version does not match the expected one.
var ErrConflict = errors.New("version conflict")

// ActorStore persists actor identity rows.
type ActorStore interface {
	CreateActor(ctx context.Context, a *model.Actor) error
	GetActor(ctx context.Context, actorID string) (*model.Actor, error)
	UpdateActor(ctx context.Context, a *model.Actor) error
	DeleteActor(ctx context.Context, actorID string) error
	ListActorIDs(ctx context.Context) ([]string, error)
}

// PropertyStore persists scalar properties and list-valued properties.
// List values are stored as ordered item slices in a companion list store
// under the same name; a name is either scalar or list, never both.
type PropertyStore interface {
	PutProperty(ctx context.Context, actorID, name string, value json.RawMessage) error
	GetProperty(ctx context.Context, actorID, name string) (json.RawMessage, error)
	DeleteProperty(ctx context.Context, actorID, name string) error
	ListProperties(ctx context.Context, actorID string) ([]model.Property, error)

	PutListItems(ctx context.Context, actorID, name string, items []json.RawMessage) error
	GetListItems(ctx context.Context, actorID, name string) ([]json.RawMessage, error)
	PutListMeta(ctx context.Context, actorID, name string, meta *model.ListMeta) error
	GetListMeta(ctx context.Context, actorID, name string) (*model.ListMeta, error)
	DeleteList(ctx context.Context, actorID, name string) error
	ListListNames(ctx context.Context, actorID string) ([]string, error)

	DeleteAllProperties(ctx context.Context, actorID string) error
}

// TrustStore persists trust relationships keyed by (actor_id, peer_id).
type TrustStore interface {
	PutTrust(ctx context.Context, t *model.Trust) error
	GetTrust(ctx context.Context, actorID, peerID string) (*model.Trust, error)
	ListTrusts(ctx context.Context, actorID string) ([]*model.Trust, error)
	FindTrustBySecret(ctx context.Context, actorID, secret string) (*model.Trust, error)
	DeleteTrust(ctx context.Context, actorID, peerID string) error
	DeleteAllTrusts(ctx context.Context, actorID string) error
}

// SubscriptionStore persists subscriptions keyed by
// (actor_id, peer_id, subscription_id).
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *model.Subscription) error
	GetSubscription(ctx context.Context, actorID, peerID, subID string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, actorID string) ([]*model.Subscription, error)
	ListSubscriptionsByPeer(ctx context.Context, actorID, peerID string) ([]*model.Subscription, error)
	UpdateSequence(ctx context.Context, actorID, peerID, subID string, seq int) error
	DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error
	DeleteAllSubscriptions(ctx context.Context, actorID string) error
}

// DiffStore persists the ordered diff list per subscription.
//
// RegisterDiff increments the subscription's sequence counter and inserts
// the diff row as one unit: either both happen or neither does. The first
// registered diff has sequence 1.
type DiffStore interface {
	RegisterDiff(ctx context.Context, actorID, peerID, subID, blob string, ts time.Time) (int, error)
	ListDiffs(ctx context.Context, actorID, subID string) ([]model.Diff, error)
	ClearDiffs(ctx context.Context, actorID, subID string, upToSeq int) error
	DeleteAllDiffs(ctx context.Context, actorID, subID string) error
}

// AttributeStore persists bucketed attributes. PutAttrCAS performs a
// conditional write: the stored version must equal expectedVersion or
// ErrConflict is returned. expectedVersion 0 means the attribute must not
// exist yet. The new version is returned on success.
type AttributeStore interface {
	PutAttr(ctx context.Context, actorID, bucket, name string, data json.RawMessage) error
	PutAttrCAS(ctx context.Context, actorID, bucket, name string, data json.RawMessage, expectedVersion int) (int, error)
	GetAttr(ctx context.Context, actorID, bucket, name string) (*model.Attribute, error)
	ListBucket(ctx context.Context, actorID, bucket string) ([]model.Attribute, error)
	DeleteAttr(ctx context.Context, actorID, bucket, name string) error
	DeleteBucket(ctx context.Context, actorID, bucket string) error
	DeleteAllBuckets(ctx context.Context, actorID string) error
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	ActorStore
	PropertyStore
	TrustStore
	SubscriptionStore
	DiffStore
	AttributeStore
}
