package permission

import (
	"context"
	"errors"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

// evaluatorStore is the storage surface the evaluator needs. Defined here
// to keep the evaluator testable without a full store.
type evaluatorStore interface {
	GetTrust(ctx context.Context, actorID, peerID string) (*model.Trust, error)
	GetAttr(ctx context.Context, actorID, bucket, name string) (*model.Attribute, error)
}

// Evaluator decides property access per (actor, accessor, path, op).
// Evaluation merges the trust relationship's tier policy with any
// per-trust override and fails closed: internal errors yield Denied,
// absence of any policy yields NotApplicable.
type Evaluator struct {
	store  evaluatorStore
	logger *zap.Logger

	mu    sync.RWMutex
	globs map[string]glob.Glob
}

// NewEvaluator creates an Evaluator over the given store.
func NewEvaluator(st evaluatorStore, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:  st,
		logger: logger,
		globs:  make(map[string]glob.Glob),
	}
}

// compile returns a cached compiled glob. The separator is '/', so a
// bare '*' matches within one path segment and '**' crosses segments.
func (e *Evaluator) compile(pattern string) (glob.Glob, error) {
	e.mu.RLock()
	g, ok := e.globs[pattern]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.globs[pattern] = g
	e.mu.Unlock()
	return g, nil
}

// EvaluatePropertyAccess decides whether accessorID may perform op on
// propertyPath under actorID's policy for that accessor.
func (e *Evaluator) EvaluatePropertyAccess(ctx context.Context, actorID, accessorID, propertyPath string, op Operation) Decision {
	trust, err := e.store.GetTrust(ctx, actorID, accessorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotApplicable
		}
		e.logger.Warn("permission: trust lookup failed, denying",
			zap.String("actor_id", actorID),
			zap.String("accessor_id", accessorID),
			zap.Error(err),
		)
		return Denied
	}
	if !trust.Approved {
		return Denied
	}

	base, haveBase := BasePolicy(trust.Relationship)

	var override *Override
	attr, err := e.store.GetAttr(ctx, actorID, PermissionBucket, accessorID)
	switch {
	case err == nil:
		override, err = decodeOverride(attr.Data)
		if err != nil {
			e.logger.Warn("permission: corrupt override, denying",
				zap.String("actor_id", actorID),
				zap.String("accessor_id", accessorID),
				zap.Error(err),
			)
			return Denied
		}
	case errors.Is(err, store.ErrNotFound):
		// no override, tier policy alone applies
	default:
		e.logger.Warn("permission: override lookup failed, denying", zap.Error(err))
		return Denied
	}

	if !haveBase && override == nil {
		return NotApplicable
	}

	policy := merge(base, override)
	path := NormalizePath(propertyPath)

	if !e.operationPermitted(policy, op) {
		return Denied
	}
	included, err := e.matchAny(policy.Patterns, path)
	if err != nil {
		e.logger.Warn("permission: bad inclusion pattern, denying", zap.Error(err))
		return Denied
	}
	if !included {
		return Denied
	}
	excluded, err := e.matchAny(policy.ExcludedPatterns, path)
	if err != nil {
		e.logger.Warn("permission: bad exclusion pattern, denying", zap.Error(err))
		return Denied
	}
	if excluded {
		return Denied
	}
	return Allowed
}

func (e *Evaluator) operationPermitted(p Policy, op Operation) bool {
	for _, o := range p.Operations {
		if Operation(o) == op {
			return true
		}
	}
	return false
}

func (e *Evaluator) matchAny(patterns []string, path string) (bool, error) {
	for _, pat := range patterns {
		g, err := e.compile(pat)
		if err != nil {
			return false, err
		}
		if g.Match(path) {
			return true, nil
		}
	}
	return false, nil
}
