// Package permission implements the fail-closed access evaluator used to
// filter inbound property access and outbound subscription callback
// payloads.
package permission

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/actingweb/actingweb-go/internal/model"
)

// Operation is a permitted action on a resource path.
type Operation string

const (
	OpRead      Operation = "read"
	OpWrite     Operation = "write"
	OpDelete    Operation = "delete"
	OpSubscribe Operation = "subscribe"
)

// Decision is the outcome of a permission evaluation. NotApplicable is
// treated as Denied at every enforcement point.
type Decision int

const (
	NotApplicable Decision = iota
	Denied
	Allowed
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "not_applicable"
	}
}

// AllowDeny holds explicit allow/deny name lists for RPC-style resources
// (methods, actions, tools, prompts). Deny wins over allow.
type AllowDeny struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Policy describes what one accessor may do with one resource class.
// Property access uses Patterns/ExcludedPatterns/Operations; the list
// fields cover RPC-style calls.
type Policy struct {
	Patterns         []string  `json:"patterns,omitempty"`
	ExcludedPatterns []string  `json:"excluded_patterns,omitempty"`
	Operations       []string  `json:"operations,omitempty"`
	Methods          AllowDeny `json:"methods,omitempty"`
	Actions          AllowDeny `json:"actions,omitempty"`
	Tools            AllowDeny `json:"tools,omitempty"`
	Resources        AllowDeny `json:"resources,omitempty"`
	Prompts          AllowDeny `json:"prompts,omitempty"`
}

// Override is the per-trust policy stored in the permissions bucket. Nil
// fields inherit the relationship tier's base policy; set fields replace
// the corresponding base field wholesale.
type Override struct {
	Patterns         *[]string `json:"patterns,omitempty"`
	ExcludedPatterns *[]string `json:"excluded_patterns,omitempty"`
	Operations       *[]string `json:"operations,omitempty"`
}

// PermissionBucket is the attribute bucket holding per-trust overrides,
// keyed by peer ID.
const PermissionBucket = "trust_permissions"

// Built-in relationship tiers. The admin tier sees everything; friend
// sees everything except names starting with "_"; associate sees nothing
// until an override grants patterns.
var baseTiers = map[string]Policy{
	"admin": {
		Patterns:   []string{"**"},
		Operations: []string{string(OpRead), string(OpWrite), string(OpDelete), string(OpSubscribe)},
	},
	"friend": {
		Patterns:         []string{"**"},
		ExcludedPatterns: []string{"_*", "_*/**"},
		Operations:       []string{string(OpRead), string(OpSubscribe)},
	},
	"associate": {
		Operations: []string{string(OpRead)},
	},
}

// BasePolicy returns the base policy for a relationship tier. The second
// return is false for unknown tiers.
func BasePolicy(relationship string) (Policy, bool) {
	p, ok := baseTiers[relationship]
	return p, ok
}

// Tiers lists the built-in relationship tier names, sorted.
func Tiers() []string {
	out := make([]string, 0, len(baseTiers))
	for name := range baseTiers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// merge applies an override to a base policy.
func merge(base Policy, o *Override) Policy {
	if o == nil {
		return base
	}
	out := base
	if o.Patterns != nil {
		out.Patterns = *o.Patterns
	}
	if o.ExcludedPatterns != nil {
		out.ExcludedPatterns = *o.ExcludedPatterns
	}
	if o.Operations != nil {
		out.Operations = *o.Operations
	}
	return out
}

// decodeOverride parses a stored override attribute.
func decodeOverride(data json.RawMessage) (*Override, error) {
	o := &Override{}
	if err := json.Unmarshal(data, o); err != nil {
		return nil, err
	}
	return o, nil
}

// NormalizePath strips the target prefix and the reserved list: token
// from a property path so list-valued properties are evaluated under
// their bare name.
func NormalizePath(path string) string {
	path = strings.TrimPrefix(path, model.TargetProperties+"/")
	path = strings.TrimPrefix(path, "/")
	if strings.HasPrefix(path, model.ListPrefix) {
		path = strings.TrimPrefix(path, model.ListPrefix)
	}
	return path
}
