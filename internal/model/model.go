// Package model holds the core domain entities shared by the storage
// adapter and the engine services: actors, properties, trust
// relationships, subscriptions, diffs, and attribute buckets.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// ListPrefix is the reserved wire-format prefix for list-valued property
// subtargets. A user-visible property name must never start with it.
const ListPrefix = "list:"

// TargetProperties is the resource class for property subscriptions.
const TargetProperties = "properties"

// EstablishedVia records the provenance of a trust relationship. It
// determines whether a remote endpoint exists for reciprocal deletion.
type EstablishedVia string

const (
	ViaTrust        EstablishedVia = "trust"
	ViaOAuth2       EstablishedVia = "oauth2"
	ViaOAuth2Client EstablishedVia = "oauth2_client"
	ViaMCP          EstablishedVia = "mcp"
)

// HasRemotePeer reports whether a reciprocal endpoint exists for this
// provenance. OAuth2-established trusts have no remote actor to notify.
func (v EstablishedVia) HasRemotePeer() bool {
	return v != ViaOAuth2 && v != ViaOAuth2Client
}

// Granularity controls how much information a subscription callback
// carries inline.
type Granularity string

const (
	GranularityHigh Granularity = "high"
	GranularityLow  Granularity = "low"
	GranularityNone Granularity = "none"
)

// Actor is an addressable mini-application instance. It owns every other
// entity keyed by its ID.
type Actor struct {
	ID                  string    `json:"id"                    db:"id"`
	Creator             string    `json:"creator"               db:"creator"`
	PassphraseHash      string    `json:"-"                     db:"passphrase_hash"`
	BaseURI             string    `json:"base_uri"              db:"base_uri"`
	Type                string    `json:"type"                  db:"type"`
	LastResponseCode    int       `json:"-"                     db:"last_response_code"`
	LastResponseMessage string    `json:"-"                     db:"last_response_message"`
	CreatedAt           time.Time `json:"created_at"            db:"created_at"`
}

// Property is a scalar key/value owned by one actor. List-valued
// properties live in the companion list store under the same name.
type Property struct {
	ActorID string          `json:"-"     db:"actor_id"`
	Name    string          `json:"name"  db:"name"`
	Value   json.RawMessage `json:"value" db:"value"`
}

// ListMeta carries the optional metadata attached to a list property.
type ListMeta struct {
	Description string         `json:"description,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Trust is a reciprocal relationship between two actors. The secret is a
// shared bearer credential and is immutable after creation.
type Trust struct {
	ActorID           string         `json:"-"                  db:"actor_id"`
	PeerID            string         `json:"id"                 db:"peer_id"`
	BaseURI           string         `json:"base_uri"           db:"base_uri"`
	Secret            string         `json:"-"                  db:"secret"`
	PeerType          string         `json:"type"               db:"peer_type"`
	Relationship      string         `json:"relationship"       db:"relationship"`
	Desc              string         `json:"desc,omitempty"     db:"description"`
	Approved          bool           `json:"approved"           db:"approved"`
	PeerApproved      bool           `json:"peer_approved"      db:"peer_approved"`
	Verified          bool           `json:"verified"           db:"verified"`
	VerificationToken string         `json:"-"                  db:"verification_token"`
	EstablishedVia    EstablishedVia `json:"established_via"    db:"established_via"`
	ClientName        string         `json:"client_name,omitempty"    db:"client_name"`
	ClientVersion     string         `json:"client_version,omitempty" db:"client_version"`
	ClientPlatform    string         `json:"client_platform,omitempty" db:"client_platform"`
	OAuthClientID     string         `json:"oauth_client_id,omitempty" db:"oauth_client_id"`
	CreatedAt         time.Time      `json:"created_at"         db:"created_at"`
}

// Active reports whether both sides have approved the relationship.
func (t *Trust) Active() bool {
	return t.Approved && t.PeerApproved
}

// Subscription declares that one actor wants change notifications from
// another. IsCallback distinguishes direction: false means the peer
// subscribed to us (we publish); true means we subscribed to the peer
// (we receive).
type Subscription struct {
	ActorID        string      `json:"-"                   db:"actor_id"`
	PeerID         string      `json:"peerid"              db:"peer_id"`
	SubscriptionID string      `json:"subscriptionid"      db:"subscription_id"`
	IsCallback     bool        `json:"callback"            db:"is_callback"`
	Target         string      `json:"target"              db:"target"`
	Subtarget      string      `json:"subtarget,omitempty" db:"subtarget"`
	Resource       string      `json:"resource,omitempty"  db:"resource"`
	Granularity    Granularity `json:"granularity"         db:"granularity"`
	Sequence       int         `json:"sequence"            db:"sequence"`
	CreatedAt      time.Time   `json:"created_at"          db:"created_at"`
}

// Diff is a single sequenced change record for one subscription. The blob
// is opaque to the storage layer.
type Diff struct {
	ActorID        string    `json:"-"         db:"actor_id"`
	SubscriptionID string    `json:"-"         db:"subscription_id"`
	Sequence       int       `json:"sequence"  db:"sequence"`
	Blob           string    `json:"data"      db:"blob"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
}

// Attribute is a generic bucketed key/value used for internal
// bookkeeping: callback processor state, suspension flags, remote peer
// mirrors, caches. Version supports optimistic concurrency on writes.
type Attribute struct {
	ActorID   string          `json:"-"         db:"actor_id"`
	Bucket    string          `json:"-"         db:"bucket"`
	Name      string          `json:"name"      db:"name"`
	Data      json.RawMessage `json:"data"      db:"data"`
	Version   int             `json:"-"         db:"version"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// MirrorBucket returns the attribute bucket name holding the local mirror
// of a peer's published state.
func MirrorBucket(peerID string) string {
	return "remote:" + peerID
}

// CallbackStateBucket holds per-subscription callback processor state,
// keyed by subscription ID.
const CallbackStateBucket = "_callback_state"

// SuspensionBucket holds diff-emission suspension flags, keyed by
// target/subtarget path.
const SuspensionBucket = "_diff_suspension"

// PeerCacheBucket returns the attribute bucket holding cached artifacts
// fetched from one peer (capabilities, profile). Dropped wholesale when
// the trust goes away.
func PeerCacheBucket(peerID string) string {
	return "peer_cache:" + peerID
}

// ValidPropertyName reports whether name is acceptable as a user-visible
// property. The list: prefix is reserved for the wire format.
func ValidPropertyName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ListPrefix)
}

// ErrValidation is returned when caller-supplied data fails validation.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string {
	return e.Msg
}

// NewValidationError creates an ErrValidation with the given message.
func NewValidationError(msg string) *ErrValidation {
	return &ErrValidation{Msg: msg}
}
