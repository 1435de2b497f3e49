// Package property implements the actor property store: scalar values,
// list-valued properties with semantic mutation operations, and the diff
// emission that feeds the subscription engine.
package property

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

// DiffSink receives semantic diffs for fan-out to subscriptions.
// Implemented by subscription.Service; defined here so the property
// service can be tested with a recording stub.
type DiffSink interface {
	RegisterDiffs(ctx context.Context, actorID, target, subtarget, resource string, blob json.RawMessage) error
}

// ListSummary is the metadata form of a list property used in full
// collection reads (`?metadata=true`) and baseline fetches.
type ListSummary struct {
	IsList bool `json:"_list"`
	Count  int  `json:"count"`
}

// Service implements property business logic for one deployment.
type Service struct {
	store  store.PropertyStore
	sink   DiffSink
	hooks  *hooks.Registry
	logger *zap.Logger
}

// NewService creates a property Service. sink may be nil during wiring;
// diffs are then dropped.
func NewService(st store.PropertyStore, sink DiffSink, hookReg *hooks.Registry, logger *zap.Logger) *Service {
	if hookReg == nil {
		hookReg = &hooks.Registry{}
	}
	return &Service{store: st, sink: sink, hooks: hookReg, logger: logger}
}

// SetDiffSink wires the subscription engine after construction.
func (s *Service) SetDiffSink(sink DiffSink) {
	s.sink = sink
}

// emit pushes a diff into the sink and dispatches property hooks. Sink
// errors are logged, not returned: the local mutation is already durable
// and subscribers reconcile via pull sync.
func (s *Service) emit(ctx context.Context, actorID, subtarget string, blob json.RawMessage) {
	s.hooks.DispatchPropertyMutation(ctx, actorID, model.TargetProperties, subtarget, blob)
	if s.sink == nil {
		return
	}
	if err := s.sink.RegisterDiffs(ctx, actorID, model.TargetProperties, subtarget, "", blob); err != nil {
		s.logger.Warn("register diffs",
			zap.String("actor_id", actorID),
			zap.String("subtarget", subtarget),
			zap.Error(err),
		)
	}
}

// ── Scalars ──────────────────────────────────────────────────────────────

// SetScalar writes a scalar property and emits a diff. The name must not
// collide with an existing list property.
func (s *Service) SetScalar(ctx context.Context, actorID, name string, value json.RawMessage) error {
	if !model.ValidPropertyName(name) {
		return model.NewValidationError("invalid property name")
	}
	if _, err := s.store.GetListItems(ctx, actorID, name); err == nil {
		return model.NewValidationError(fmt.Sprintf("%q is a list property", name))
	}
	if err := s.store.PutProperty(ctx, actorID, name, value); err != nil {
		return fmt.Errorf("put property: %w", err)
	}
	s.emit(ctx, actorID, name, value)
	return nil
}

// GetScalar reads a scalar property.
func (s *Service) GetScalar(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	return s.store.GetProperty(ctx, actorID, name)
}

// DeleteScalar removes a scalar property and emits a null diff.
func (s *Service) DeleteScalar(ctx context.Context, actorID, name string) error {
	if err := s.store.DeleteProperty(ctx, actorID, name); err != nil {
		return err
	}
	s.emit(ctx, actorID, name, json.RawMessage("null"))
	return nil
}

// GetAll returns every property for the actor. List-valued properties
// appear as ListSummary entries when summarize is set, or are omitted
// otherwise.
func (s *Service) GetAll(ctx context.Context, actorID string, summarize bool) (map[string]json.RawMessage, error) {
	props, err := s.store.ListProperties(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	out := make(map[string]json.RawMessage, len(props))
	for _, p := range props {
		out[p.Name] = p.Value
	}
	if summarize {
		names, err := s.store.ListListNames(ctx, actorID)
		if err != nil {
			return nil, fmt.Errorf("list list names: %w", err)
		}
		for _, name := range names {
			items, err := s.store.GetListItems(ctx, actorID, name)
			if err != nil {
				continue
			}
			summary, _ := json.Marshal(ListSummary{IsList: true, Count: len(items)})
			out[name] = summary
		}
	}
	return out, nil
}

// ── Lists ────────────────────────────────────────────────────────────────

// listMutation loads, mutates, and stores a list, then emits the
// operation blob. mutate returns the new item slice.
func (s *Service) listMutation(ctx context.Context, actorID, name string, op *ListOp, mutate func(items []json.RawMessage) ([]json.RawMessage, error)) error {
	items, err := s.store.GetListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	next, err := mutate(items)
	if err != nil {
		return err
	}
	if err := s.store.PutListItems(ctx, actorID, name, next); err != nil {
		return fmt.Errorf("store list: %w", err)
	}
	op.List = name
	op.Length = len(next)
	s.emitListOp(ctx, actorID, name, op)
	return nil
}

func (s *Service) emitListOp(ctx context.Context, actorID, name string, op *ListOp) {
	blob, err := json.Marshal(op)
	if err != nil {
		s.logger.Error("marshal list op", zap.Error(err))
		return
	}
	s.emit(ctx, actorID, model.ListPrefix+name, blob)
}

// CreateList creates an empty list property with optional metadata. The
// name must not collide with an existing scalar.
func (s *Service) CreateList(ctx context.Context, actorID, name string, meta *model.ListMeta) error {
	if !model.ValidPropertyName(name) {
		return model.NewValidationError("invalid list name")
	}
	if _, err := s.store.GetProperty(ctx, actorID, name); err == nil {
		return model.NewValidationError(fmt.Sprintf("%q is a scalar property", name))
	}
	if err := s.store.PutListItems(ctx, actorID, name, nil); err != nil {
		return fmt.Errorf("create list: %w", err)
	}
	if meta != nil {
		if err := s.store.PutListMeta(ctx, actorID, name, meta); err != nil {
			return fmt.Errorf("store list meta: %w", err)
		}
	}
	return nil
}

// GetList returns the full item slice of a list property.
func (s *Service) GetList(ctx context.Context, actorID, name string) ([]json.RawMessage, error) {
	return s.store.GetListItems(ctx, actorID, name)
}

// GetListMeta returns a list's metadata.
func (s *Service) GetListMeta(ctx context.Context, actorID, name string) (*model.ListMeta, error) {
	return s.store.GetListMeta(ctx, actorID, name)
}

// Append adds an item at the end of the list.
func (s *Service) Append(ctx context.Context, actorID, name string, item json.RawMessage) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpAppend, Item: item},
		func(items []json.RawMessage) ([]json.RawMessage, error) {
			return append(items, item), nil
		})
}

// Insert places an item at index, shifting later items.
func (s *Service) Insert(ctx context.Context, actorID, name string, index int, item json.RawMessage) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpInsert, Item: item, Index: &index},
		func(items []json.RawMessage) ([]json.RawMessage, error) {
			if index < 0 || index > len(items) {
				return nil, model.NewValidationError("index out of range")
			}
			out := make([]json.RawMessage, 0, len(items)+1)
			out = append(out, items[:index]...)
			out = append(out, item)
			out = append(out, items[index:]...)
			return out, nil
		})
}

// Update replaces the item at index.
func (s *Service) Update(ctx context.Context, actorID, name string, index int, item json.RawMessage) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpUpdate, Item: item, Index: &index},
		func(items []json.RawMessage) ([]json.RawMessage, error) {
			if index < 0 || index >= len(items) {
				return nil, model.NewValidationError("index out of range")
			}
			items[index] = item
			return items, nil
		})
}

// DeleteAt removes the item at index.
func (s *Service) DeleteAt(ctx context.Context, actorID, name string, index int) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpDelete, Index: &index},
		func(items []json.RawMessage) ([]json.RawMessage, error) {
			if index < 0 || index >= len(items) {
				return nil, model.NewValidationError("index out of range")
			}
			return append(items[:index], items[index+1:]...), nil
		})
}

// Extend appends multiple items.
func (s *Service) Extend(ctx context.Context, actorID, name string, items []json.RawMessage) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpExtend, Items: items},
		func(existing []json.RawMessage) ([]json.RawMessage, error) {
			return append(existing, items...), nil
		})
}

// Pop removes and returns the last item.
func (s *Service) Pop(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	var popped json.RawMessage
	err := s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpPop},
		func(items []json.RawMessage) ([]json.RawMessage, error) {
			if len(items) == 0 {
				return nil, model.NewValidationError("pop from empty list")
			}
			popped = items[len(items)-1]
			return items[:len(items)-1], nil
		})
	return popped, err
}

// Clear removes all items but keeps the list and its metadata.
func (s *Service) Clear(ctx context.Context, actorID, name string) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpClear},
		func([]json.RawMessage) ([]json.RawMessage, error) {
			return nil, nil
		})
}

// Remove deletes the first item equal to the given value.
func (s *Service) Remove(ctx context.Context, actorID, name string, item json.RawMessage) error {
	return s.listMutation(ctx, actorID, name,
		&ListOp{Operation: OpRemove, Item: item},
		func(items []json.RawMessage) ([]json.RawMessage, error) {
			for i, it := range items {
				if jsonEqual(it, item) {
					return append(items[:i], items[i+1:]...), nil
				}
			}
			return nil, model.NewValidationError("item not found")
		})
}

// DeleteAll destroys the list property entirely. The emitted length is
// fixed at 0 without re-querying the store.
func (s *Service) DeleteAll(ctx context.Context, actorID, name string) error {
	if err := s.store.DeleteList(ctx, actorID, name); err != nil {
		return err
	}
	s.emitListOp(ctx, actorID, name, &ListOp{Operation: OpDeleteAll, Length: 0, List: name})
	return nil
}

// SetMeta updates only the list metadata; no items change. The emitted
// operation lets subscribers refresh descriptions without a resync.
func (s *Service) SetMeta(ctx context.Context, actorID, name string, meta *model.ListMeta) error {
	items, err := s.store.GetListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	if err := s.store.PutListMeta(ctx, actorID, name, meta); err != nil {
		return fmt.Errorf("store list meta: %w", err)
	}
	s.emitListOp(ctx, actorID, name, &ListOp{Operation: OpMetadata, Length: len(items), List: name})
	return nil
}

// Delete removes a property regardless of kind.
func (s *Service) Delete(ctx context.Context, actorID, name string) error {
	err := s.DeleteScalar(ctx, actorID, name)
	if errors.Is(err, store.ErrNotFound) {
		return s.DeleteAll(ctx, actorID, name)
	}
	return err
}

// jsonEqual compares two raw JSON values by canonical re-encoding.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}
