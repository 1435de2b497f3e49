package permission

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
)

// stubEvalStore serves canned trusts and override attributes.
type stubEvalStore struct {
	trusts    map[string]*model.Trust
	overrides map[string]json.RawMessage
}

func (s *stubEvalStore) GetTrust(_ context.Context, _, peerID string) (*model.Trust, error) {
	if t, ok := s.trusts[peerID]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubEvalStore) GetAttr(_ context.Context, _, bucket, name string) (*model.Attribute, error) {
	if bucket != PermissionBucket {
		return nil, store.ErrNotFound
	}
	if data, ok := s.overrides[name]; ok {
		return &model.Attribute{Bucket: bucket, Name: name, Data: data, Version: 1}, nil
	}
	return nil, store.ErrNotFound
}

func approvedTrust(peerID, relationship string) *model.Trust {
	return &model.Trust{
		ActorID:      "actor1",
		PeerID:       peerID,
		Relationship: relationship,
		Approved:     true,
		PeerApproved: true,
	}
}

func TestEvaluate_NoTrustIsNotApplicable(t *testing.T) {
	e := NewEvaluator(&stubEvalStore{trusts: map[string]*model.Trust{}}, zap.NewNop())

	got := e.EvaluatePropertyAccess(context.Background(), "actor1", "stranger", "properties/color", OpRead)
	if got != NotApplicable {
		t.Errorf("expected NotApplicable, got %v", got)
	}
}

func TestEvaluate_UnapprovedTrustDenied(t *testing.T) {
	tr := approvedTrust("peer1", "friend")
	tr.Approved = false
	e := NewEvaluator(&stubEvalStore{trusts: map[string]*model.Trust{"peer1": tr}}, zap.NewNop())

	if got := e.EvaluatePropertyAccess(context.Background(), "actor1", "peer1", "color", OpRead); got != Denied {
		t.Errorf("expected Denied, got %v", got)
	}
}

func TestEvaluate_FriendTier(t *testing.T) {
	e := NewEvaluator(&stubEvalStore{
		trusts: map[string]*model.Trust{"peer1": approvedTrust("peer1", "friend")},
	}, zap.NewNop())
	ctx := context.Background()

	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "properties/color", OpRead); got != Allowed {
		t.Errorf("read color: expected Allowed, got %v", got)
	}
	// underscore-prefixed names are excluded by the friend tier
	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "_internal", OpRead); got != Denied {
		t.Errorf("read _internal: expected Denied, got %v", got)
	}
	// friend tier has no write permission
	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "color", OpWrite); got != Denied {
		t.Errorf("write color: expected Denied, got %v", got)
	}
}

func TestEvaluate_OverrideReplacesPatterns(t *testing.T) {
	override, _ := json.Marshal(map[string]any{
		"patterns":   []string{"color"},
		"operations": []string{"read"},
	})
	e := NewEvaluator(&stubEvalStore{
		trusts:    map[string]*model.Trust{"peer1": approvedTrust("peer1", "friend")},
		overrides: map[string]json.RawMessage{"peer1": override},
	}, zap.NewNop())
	ctx := context.Background()

	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "color", OpRead); got != Allowed {
		t.Errorf("color: expected Allowed, got %v", got)
	}
	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "ssn", OpRead); got != Denied {
		t.Errorf("ssn: expected Denied, got %v", got)
	}
}

func TestEvaluate_ExclusionWinsOverInclusion(t *testing.T) {
	override, _ := json.Marshal(map[string]any{
		"patterns":          []string{"config/**"},
		"excluded_patterns": []string{"config/secrets/**"},
		"operations":        []string{"read"},
	})
	e := NewEvaluator(&stubEvalStore{
		trusts:    map[string]*model.Trust{"peer1": approvedTrust("peer1", "associate")},
		overrides: map[string]json.RawMessage{"peer1": override},
	}, zap.NewNop())
	ctx := context.Background()

	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "properties/config/theme", OpRead); got != Allowed {
		t.Errorf("config/theme: expected Allowed, got %v", got)
	}
	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "properties/config/secrets/key", OpRead); got != Denied {
		t.Errorf("config/secrets/key: expected Denied, got %v", got)
	}
}

func TestEvaluate_SingleStarDoesNotCrossSlash(t *testing.T) {
	override, _ := json.Marshal(map[string]any{
		"patterns":   []string{"config/*"},
		"operations": []string{"read"},
	})
	e := NewEvaluator(&stubEvalStore{
		trusts:    map[string]*model.Trust{"peer1": approvedTrust("peer1", "associate")},
		overrides: map[string]json.RawMessage{"peer1": override},
	}, zap.NewNop())
	ctx := context.Background()

	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "config/theme", OpRead); got != Allowed {
		t.Errorf("config/theme: expected Allowed, got %v", got)
	}
	if got := e.EvaluatePropertyAccess(ctx, "actor1", "peer1", "config/nested/deep", OpRead); got != Denied {
		t.Errorf("config/nested/deep: expected Denied, got %v", got)
	}
}

func TestEvaluate_ListPrefixStripped(t *testing.T) {
	override, _ := json.Marshal(map[string]any{
		"patterns":   []string{"todo"},
		"operations": []string{"read"},
	})
	e := NewEvaluator(&stubEvalStore{
		trusts:    map[string]*model.Trust{"peer1": approvedTrust("peer1", "associate")},
		overrides: map[string]json.RawMessage{"peer1": override},
	}, zap.NewNop())

	got := e.EvaluatePropertyAccess(context.Background(), "actor1", "peer1", "list:todo", OpRead)
	if got != Allowed {
		t.Errorf("list:todo: expected Allowed, got %v", got)
	}
}

func TestEvaluate_AssociateWithoutOverrideDenied(t *testing.T) {
	e := NewEvaluator(&stubEvalStore{
		trusts: map[string]*model.Trust{"peer1": approvedTrust("peer1", "associate")},
	}, zap.NewNop())

	if got := e.EvaluatePropertyAccess(context.Background(), "actor1", "peer1", "color", OpRead); got != Denied {
		t.Errorf("expected Denied for associate with no patterns, got %v", got)
	}
}

func TestEvaluate_UnknownTierNoOverrideNotApplicable(t *testing.T) {
	e := NewEvaluator(&stubEvalStore{
		trusts: map[string]*model.Trust{"peer1": approvedTrust("peer1", "custom-tier")},
	}, zap.NewNop())

	if got := e.EvaluatePropertyAccess(context.Background(), "actor1", "peer1", "color", OpRead); got != NotApplicable {
		t.Errorf("expected NotApplicable, got %v", got)
	}
}
