// Package hooks defines the typed extension points the embedder
// implements to observe and react to engine events. Hook dispatch is
// ordered invocation of a registered slice; a hook error is logged by the
// caller and never aborts the triggering operation.
package hooks

import (
	"context"
	"encoding/json"

	"github.com/actingweb/actingweb-go/internal/model"
)

// SubscriptionUpdate is the payload delivered to callback hooks for each
// processed subscription callback, in strict sequence order.
type SubscriptionUpdate struct {
	PeerID         string
	SubscriptionID string
	Target         string
	Subtarget      string
	Resource       string
	Sequence       int
	Type           string // "diff", "resync", or "permission"
	Data           json.RawMessage
}

// CallbackHook receives subscription data after the callback processor
// has established ordering. Invocations are at most once per sequence.
type CallbackHook interface {
	OnSubscriptionUpdate(ctx context.Context, actorID string, u *SubscriptionUpdate) error
}

// PropertyHook observes local property mutations after they are
// persisted and before diffs fan out.
type PropertyHook interface {
	OnPropertyMutation(ctx context.Context, actorID, target, subtarget string, blob json.RawMessage)
}

// LifecycleHook observes actor and trust lifecycle transitions.
type LifecycleHook interface {
	OnActorCreated(ctx context.Context, a *model.Actor)
	OnActorDeleted(ctx context.Context, actorID string)
	OnTrustApproved(ctx context.Context, t *model.Trust)
	OnTrustDeleted(ctx context.Context, actorID, peerID string)
}

// Registry holds the registered hooks. The zero value is usable and
// dispatches to nothing.
type Registry struct {
	callback  []CallbackHook
	property  []PropertyHook
	lifecycle []LifecycleHook
}

// AddCallbackHook appends a callback hook.
func (r *Registry) AddCallbackHook(h CallbackHook) {
	r.callback = append(r.callback, h)
}

// AddPropertyHook appends a property hook.
func (r *Registry) AddPropertyHook(h PropertyHook) {
	r.property = append(r.property, h)
}

// AddLifecycleHook appends a lifecycle hook.
func (r *Registry) AddLifecycleHook(h LifecycleHook) {
	r.lifecycle = append(r.lifecycle, h)
}

// DispatchSubscriptionUpdate invokes the callback hooks in registration
// order. The first error is returned after all hooks have run.
func (r *Registry) DispatchSubscriptionUpdate(ctx context.Context, actorID string, u *SubscriptionUpdate) error {
	var first error
	for _, h := range r.callback {
		if err := h.OnSubscriptionUpdate(ctx, actorID, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DispatchPropertyMutation invokes the property hooks in order.
func (r *Registry) DispatchPropertyMutation(ctx context.Context, actorID, target, subtarget string, blob json.RawMessage) {
	for _, h := range r.property {
		h.OnPropertyMutation(ctx, actorID, target, subtarget, blob)
	}
}

// DispatchActorCreated invokes the lifecycle hooks in order.
func (r *Registry) DispatchActorCreated(ctx context.Context, a *model.Actor) {
	for _, h := range r.lifecycle {
		h.OnActorCreated(ctx, a)
	}
}

// DispatchActorDeleted invokes the lifecycle hooks in order.
func (r *Registry) DispatchActorDeleted(ctx context.Context, actorID string) {
	for _, h := range r.lifecycle {
		h.OnActorDeleted(ctx, actorID)
	}
}

// DispatchTrustApproved invokes the lifecycle hooks in order.
func (r *Registry) DispatchTrustApproved(ctx context.Context, t *model.Trust) {
	for _, h := range r.lifecycle {
		h.OnTrustApproved(ctx, t)
	}
}

// DispatchTrustDeleted invokes the lifecycle hooks in order.
func (r *Registry) DispatchTrustDeleted(ctx context.Context, actorID, peerID string) {
	for _, h := range r.lifecycle {
		h.OnTrustDeleted(ctx, actorID, peerID)
	}
}
