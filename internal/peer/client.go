// Package peer provides the HTTP client for the actor-to-actor protocol:
// meta discovery, trust handshake calls, subscription pulls, and callback
// delivery. All peer auth is a bearer trust secret.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
)

// ErrNotFound is returned when the peer answers 404.
var ErrNotFound = errors.New("peer resource not found")

// ErrTimeout is returned when a peer request times out. Callers record it
// as status 408 in the actor's last-response fields.
var ErrTimeout = errors.New("peer request timed out")

// maxBody caps how much of a peer response body is read.
const maxBody = 1 << 20

// Meta is the discovery document served at <peer>/meta.
type Meta struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	BaseURI string `json:"base_uri"`
	Version string `json:"version,omitempty"`
	Desc    string `json:"desc,omitempty"`
}

// TrustRequest is the body POSTed to <peer>/trust/<relationship>.
type TrustRequest struct {
	ID      string `json:"id"`
	BaseURI string `json:"base_uri"`
	Type    string `json:"type"`
	Secret  string `json:"secret"`
	Desc    string `json:"desc,omitempty"`
	Verify  string `json:"verify"`
}

// TrustDoc is the trust representation returned by the verification
// callback GET.
type TrustDoc struct {
	PeerID            string `json:"id"`
	BaseURI           string `json:"base_uri"`
	Relationship      string `json:"relationship"`
	VerificationToken string `json:"verification_token"`
	Approved          bool   `json:"approved"`
	PeerApproved      bool   `json:"peer_approved"`
	Verified          bool   `json:"verified"`
}

// SubscriptionRequest is the body POSTed to <peer>/subscriptions/<my_id>.
type SubscriptionRequest struct {
	ID          string `json:"id,omitempty"`
	Target      string `json:"target"`
	Subtarget   string `json:"subtarget,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

// DiffEntry is one pending diff in a pull response.
type DiffEntry struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DiffPage is the pull response from
// GET <peer>/subscriptions/<my_id>/<sub_id>.
type DiffPage struct {
	Sequence int         `json:"sequence"`
	Data     []DiffEntry `json:"data"`
}

// Client is an HTTP client for talking to remote actors. Meta documents
// are cached with a TTL since they change rarely and are fetched on every
// trust handshake.
type Client struct {
	http      *http.Client
	metaCache *gocache.Cache
	logger    *zap.Logger
}

// NewClient creates a Client. timeout bounds every request; metaTTL
// bounds how long discovery documents are reused.
func NewClient(timeout, metaTTL time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if metaTTL == 0 {
		metaTTL = 5 * time.Minute
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		metaCache: gocache.New(metaTTL, 2*metaTTL),
		logger:    logger,
	}
}

func trimBase(baseURI string) string {
	return strings.TrimSuffix(baseURI, "/")
}

// do performs one request and returns status plus the (bounded) body.
func (c *Client) do(ctx context.Context, method, url, secret string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return 0, nil, fmt.Errorf("request %s %s: %w", method, url, ErrTimeout)
		}
		return 0, nil, fmt.Errorf("request %s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// Meta fetches <peer>/meta, using the TTL cache. No retry happens here;
// callers own their retry policy.
func (c *Client) Meta(ctx context.Context, baseURI string) (*Meta, error) {
	base := trimBase(baseURI)
	if cached, ok := c.metaCache.Get(base); ok {
		m := cached.(Meta)
		return &m, nil
	}

	status, body, err := c.do(ctx, http.MethodGet, base+"/meta", "", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer meta returned status %d", status)
	}

	var m Meta
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode peer meta: %w", err)
	}
	c.metaCache.Set(base, m, gocache.DefaultExpiration)
	return &m, nil
}

// InvalidateMeta drops a cached meta document.
func (c *Client) InvalidateMeta(baseURI string) {
	c.metaCache.Delete(trimBase(baseURI))
}

// CreateTrust POSTs a reciprocal trust request and returns the peer's
// status code. 201 means auto-approved, 202 pending.
func (c *Client) CreateTrust(ctx context.Context, baseURI, relationship string, req *TrustRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal trust request: %w", err)
	}
	status, _, err := c.do(ctx, http.MethodPost,
		trimBase(baseURI)+"/trust/"+relationship, "", body)
	return status, err
}

// GetTrust fetches the peer's view of the trust, used for the
// verification callback and for revocation checks.
func (c *Client) GetTrust(ctx context.Context, baseURI, relationship, peerID, secret string) (*TrustDoc, error) {
	status, body, err := c.do(ctx, http.MethodGet,
		trimBase(baseURI)+"/trust/"+relationship+"/"+peerID, secret, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer trust returned status %d", status)
	}

	var doc TrustDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode trust: %w", err)
	}
	return &doc, nil
}

// NotifyTrustApproval PUTs the approval flag to the peer's trust
// endpoint.
func (c *Client) NotifyTrustApproval(ctx context.Context, baseURI, relationship, peerID, secret string) error {
	body, _ := json.Marshal(map[string]bool{"approved": true})
	status, _, err := c.do(ctx, http.MethodPut,
		trimBase(baseURI)+"/trust/"+relationship+"/"+peerID, secret, body)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("peer approval notify returned status %d", status)
	}
	return nil
}

// DeleteTrust removes the reciprocal side of a trust. 404 is tolerated:
// the peer may already have deleted its side.
func (c *Client) DeleteTrust(ctx context.Context, baseURI, relationship, peerID, secret string) error {
	status, _, err := c.do(ctx, http.MethodDelete,
		trimBase(baseURI)+"/trust/"+relationship+"/"+peerID, secret, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("peer trust delete returned status %d", status)
	}
	return nil
}

// CreateSubscription subscribes to the peer and returns the peer's
// subscription ID.
func (c *Client) CreateSubscription(ctx context.Context, baseURI, myID, secret string, req *SubscriptionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal subscription request: %w", err)
	}
	status, respBody, err := c.do(ctx, http.MethodPost,
		trimBase(baseURI)+"/subscriptions/"+myID, secret, body)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("peer subscription create returned status %d", status)
	}

	var resp struct {
		SubscriptionID string `json:"subscriptionid"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode subscription response: %w", err)
	}
	return resp.SubscriptionID, nil
}

// GetDiffs pulls pending diffs for our subscription on the peer.
func (c *Client) GetDiffs(ctx context.Context, baseURI, myID, subID, secret string) (*DiffPage, error) {
	status, body, err := c.do(ctx, http.MethodGet,
		trimBase(baseURI)+"/subscriptions/"+myID+"/"+subID, secret, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer diff pull returned status %d", status)
	}

	var page DiffPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode diff page: %w", err)
	}
	return &page, nil
}

// ConfirmDiffs tells the peer we processed diffs up to seq so it can
// clear its queue.
func (c *Client) ConfirmDiffs(ctx context.Context, baseURI, myID, subID, secret string, seq int) error {
	body, _ := json.Marshal(map[string]int{"sequence": seq})
	status, _, err := c.do(ctx, http.MethodPut,
		trimBase(baseURI)+"/subscriptions/"+myID+"/"+subID, secret, body)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("peer diff confirm returned status %d", status)
	}
	return nil
}

// DeleteSubscription cancels our subscription on the peer. 404 is
// tolerated (idempotent delete).
func (c *Client) DeleteSubscription(ctx context.Context, baseURI, myID, subID, secret string) error {
	status, _, err := c.do(ctx, http.MethodDelete,
		trimBase(baseURI)+"/subscriptions/"+myID+"/"+subID, secret, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("peer subscription delete returned status %d", status)
	}
	return nil
}

// PostCallback delivers a callback envelope to the peer and returns the
// peer's status code.
func (c *Client) PostCallback(ctx context.Context, peerBaseURI, publisherID, subID, secret string, envelope []byte) (int, error) {
	status, _, err := c.do(ctx, http.MethodPost,
		trimBase(peerBaseURI)+"/callbacks/subscriptions/"+publisherID+"/"+subID, secret, envelope)
	return status, err
}

// GetResource fetches an arbitrary resource path on the peer, used for
// baseline fetches during sync. The path is appended to the peer base
// URI as-is.
func (c *Client) GetResource(ctx context.Context, baseURI, path, secret string) (json.RawMessage, error) {
	url := trimBase(baseURI) + "/" + strings.TrimPrefix(path, "/")
	status, body, err := c.do(ctx, http.MethodGet, url, secret, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer resource %s returned status %d", path, status)
	}
	return json.RawMessage(body), nil
}

// TargetPath builds the resource path for a subscription target triple.
func TargetPath(target, subtarget, resource string) string {
	path := target
	if subtarget != "" {
		path += "/" + subtarget
	}
	if resource != "" {
		path += "/" + resource
	}
	// The root properties collection carries list summaries when asked
	// for metadata.
	if target == model.TargetProperties && subtarget == "" {
		path += "?metadata=true"
	}
	return path
}
