// Package syncer keeps local mirrors of peer state converged: it applies
// in-order diffs to the per-peer mirror bucket, pulls pending diffs on
// demand, rebuilds baselines on resync, and detects revoked trusts.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/property"
	"github.com/actingweb/actingweb-go/internal/store"
)

// mirrorValue wraps a mirrored scalar so the bucket entry is always a
// JSON object.
type mirrorValue struct {
	Value json.RawMessage `json:"value"`
}

// mirrorList is the bucket entry for a mirrored list property.
type mirrorList struct {
	Items []json.RawMessage `json:"items"`
}

// Mirror maintains the remote:<peer> attribute bucket holding this
// actor's local copy of a peer's published properties.
type Mirror struct {
	store  store.AttributeStore
	logger *zap.Logger
}

// NewMirror creates a Mirror over the attribute store.
func NewMirror(st store.AttributeStore, logger *zap.Logger) *Mirror {
	return &Mirror{store: st, logger: logger}
}

// ApplyDiff applies one in-order diff to the mirror. The shape of data
// depends on the subscription scope: whole-target diffs carry an object
// keyed by property name, scoped diffs carry the bare value, and list
// changes carry a semantic list operation.
func (m *Mirror) ApplyDiff(ctx context.Context, actorID, peerID string, sub *model.Subscription, seq int, data json.RawMessage) error {
	if sub.Target != model.TargetProperties {
		return nil
	}
	bucket := model.MirrorBucket(peerID)

	if sub.Subtarget != "" {
		if strings.HasPrefix(sub.Subtarget, model.ListPrefix) {
			return m.applyListOp(ctx, actorID, bucket, data)
		}
		return m.putScalar(ctx, actorID, bucket, sub.Subtarget, data)
	}

	// Whole-target diff: either a list operation (self-identifying) or a
	// map of scalar changes.
	if isListOp(data) {
		return m.applyListOp(ctx, actorID, bucket, data)
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(data, &changes); err != nil {
		return fmt.Errorf("decode diff for mirror: %w", err)
	}
	for name, value := range changes {
		if err := m.putScalar(ctx, actorID, bucket, name, value); err != nil {
			return err
		}
	}
	return nil
}

// isListOp sniffs whether a diff blob is a list operation.
func isListOp(data json.RawMessage) bool {
	var probe struct {
		List      string `json:"list"`
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.List != "" && probe.Operation != ""
}

// putScalar writes or deletes one mirrored scalar. A null value is a
// deletion.
func (m *Mirror) putScalar(ctx context.Context, actorID, bucket, name string, value json.RawMessage) error {
	if isJSONNull(value) {
		err := m.store.DeleteAttr(ctx, actorID, bucket, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	data, err := json.Marshal(mirrorValue{Value: value})
	if err != nil {
		return fmt.Errorf("encode mirror value: %w", err)
	}
	return m.store.PutAttr(ctx, actorID, bucket, name, data)
}

func isJSONNull(value json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(value))
	return trimmed == "" || trimmed == "null"
}

// applyListOp replays a semantic list operation against the mirrored
// list. Operations that cannot apply cleanly (index drift, unknown op)
// return an error so the processor can log and a later resync repairs.
func (m *Mirror) applyListOp(ctx context.Context, actorID, bucket string, data json.RawMessage) error {
	var op property.ListOp
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("decode list operation: %w", err)
	}
	name := model.ListPrefix + op.List

	if op.Operation == property.OpDeleteAll {
		err := m.store.DeleteAttr(ctx, actorID, bucket, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	var list mirrorList
	if attr, err := m.store.GetAttr(ctx, actorID, bucket, name); err == nil {
		if err := json.Unmarshal(attr.Data, &list); err != nil {
			return fmt.Errorf("decode mirrored list: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	switch op.Operation {
	case property.OpAppend:
		list.Items = append(list.Items, op.Item)
	case property.OpInsert:
		if op.Index == nil || *op.Index < 0 || *op.Index > len(list.Items) {
			return fmt.Errorf("insert index out of range for mirrored list %s", op.List)
		}
		i := *op.Index
		list.Items = append(list.Items, nil)
		copy(list.Items[i+1:], list.Items[i:])
		list.Items[i] = op.Item
	case property.OpUpdate:
		if op.Index == nil || *op.Index < 0 || *op.Index >= len(list.Items) {
			return fmt.Errorf("update index out of range for mirrored list %s", op.List)
		}
		list.Items[*op.Index] = op.Item
	case property.OpDelete:
		if op.Index == nil || *op.Index < 0 || *op.Index >= len(list.Items) {
			return fmt.Errorf("delete index out of range for mirrored list %s", op.List)
		}
		list.Items = append(list.Items[:*op.Index], list.Items[*op.Index+1:]...)
	case property.OpExtend:
		list.Items = append(list.Items, op.Items...)
	case property.OpPop:
		if len(list.Items) == 0 {
			return fmt.Errorf("pop on empty mirrored list %s", op.List)
		}
		list.Items = list.Items[:len(list.Items)-1]
	case property.OpClear:
		list.Items = nil
	case property.OpRemove:
		removed := false
		for i, it := range list.Items {
			if string(it) == string(op.Item) {
				list.Items = append(list.Items[:i], list.Items[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			return fmt.Errorf("remove item not found in mirrored list %s", op.List)
		}
	case property.OpMetadata:
		// metadata-only change, items untouched
	default:
		return fmt.Errorf("unknown list operation %q", op.Operation)
	}

	if len(list.Items) != op.Length {
		m.logger.Warn("mirrored list length drift",
			zap.String("actor_id", actorID),
			zap.String("list", op.List),
			zap.Int("local", len(list.Items)),
			zap.Int("expected", op.Length),
		)
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode mirrored list: %w", err)
	}
	return m.store.PutAttr(ctx, actorID, bucket, name, encoded)
}

// ReplaceBaseline rebuilds the mirror from a full snapshot of the peer's
// properties. Entries carrying list items (inlined by the reconciler)
// become mirrored lists; everything else becomes a mirrored scalar.
func (m *Mirror) ReplaceBaseline(ctx context.Context, actorID, peerID string, snapshot map[string]json.RawMessage) error {
	bucket := model.MirrorBucket(peerID)
	if err := m.store.DeleteBucket(ctx, actorID, bucket); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reset mirror: %w", err)
	}
	for name, value := range snapshot {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err == nil && strings.HasPrefix(strings.TrimSpace(string(value)), "[") {
			data, err := json.Marshal(mirrorList{Items: items})
			if err != nil {
				return fmt.Errorf("encode mirrored list: %w", err)
			}
			if err := m.store.PutAttr(ctx, actorID, bucket, model.ListPrefix+name, data); err != nil {
				return err
			}
			continue
		}
		if err := m.putScalar(ctx, actorID, bucket, name, value); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceScoped overwrites a single mirror entry from a scoped baseline
// fetch. The subtarget is in wire form, so a list: prefix selects the
// mirrored-list encoding.
func (m *Mirror) ReplaceScoped(ctx context.Context, actorID, peerID, subtarget string, value json.RawMessage) error {
	bucket := model.MirrorBucket(peerID)
	if strings.HasPrefix(subtarget, model.ListPrefix) {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil {
			return fmt.Errorf("decode list baseline: %w", err)
		}
		data, err := json.Marshal(mirrorList{Items: items})
		if err != nil {
			return fmt.Errorf("encode mirrored list: %w", err)
		}
		return m.store.PutAttr(ctx, actorID, bucket, subtarget, data)
	}
	return m.putScalar(ctx, actorID, bucket, subtarget, value)
}

// Get returns one mirrored scalar value, unwrapped.
func (m *Mirror) Get(ctx context.Context, actorID, peerID, name string) (json.RawMessage, error) {
	attr, err := m.store.GetAttr(ctx, actorID, model.MirrorBucket(peerID), name)
	if err != nil {
		return nil, err
	}
	var v mirrorValue
	if err := json.Unmarshal(attr.Data, &v); err != nil {
		return nil, fmt.Errorf("decode mirror value: %w", err)
	}
	return v.Value, nil
}

// GetList returns one mirrored list's items.
func (m *Mirror) GetList(ctx context.Context, actorID, peerID, name string) ([]json.RawMessage, error) {
	attr, err := m.store.GetAttr(ctx, actorID, model.MirrorBucket(peerID), model.ListPrefix+name)
	if err != nil {
		return nil, err
	}
	var l mirrorList
	if err := json.Unmarshal(attr.Data, &l); err != nil {
		return nil, fmt.Errorf("decode mirrored list: %w", err)
	}
	return l.Items, nil
}
