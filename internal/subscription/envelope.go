package subscription

import (
	"encoding/json"
	"time"
)

// Callback envelope types. Diff callbacks are sequenced; resync and
// permission callbacks bypass sequencing.
const (
	TypeDiff       = "diff"
	TypeResync     = "resync"
	TypePermission = "permission"
)

// Envelope is the wire body of a subscription callback POST, and the
// input to the callback processor on the receiving side.
type Envelope struct {
	ID             string          `json:"id"` // publisher actor ID
	SubscriptionID string          `json:"subscriptionid"`
	Target         string          `json:"target"`
	Subtarget      string          `json:"subtarget,omitempty"`
	Resource       string          `json:"resource,omitempty"`
	Type           string          `json:"type"`
	Sequence       int             `json:"sequence,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitempty"`
	Granularity    string          `json:"granularity,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	URL            string          `json:"url,omitempty"` // pull URL, low granularity
}

// DiffPage is the body served to a subscriber pulling pending diffs.
type DiffPage struct {
	ID             string      `json:"id"`
	SubscriptionID string      `json:"subscriptionid"`
	Target         string      `json:"target"`
	Subtarget      string      `json:"subtarget,omitempty"`
	Resource       string      `json:"resource,omitempty"`
	Sequence       int         `json:"sequence"`
	Data           []DiffEntry `json:"data"`
}

// DiffEntry is one pending diff inside a DiffPage.
type DiffEntry struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
