// Package client provides the ActingWeb Go SDK for creating actors and
// managing their properties, trust relationships, and subscriptions over
// the REST interface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// Actor holds the identity returned by the factory endpoint. Passphrase
// is only populated on creation; the server never returns it again.
type Actor struct {
	ID         string `json:"id"`
	Creator    string `json:"creator"`
	Passphrase string `json:"passphrase,omitempty"`
	BaseURI    string `json:"base_uri"`
}

// Trust is one trust relationship as returned by the trust endpoints.
type Trust struct {
	PeerID       string `json:"id"`
	BaseURI      string `json:"base_uri"`
	PeerType     string `json:"type"`
	Relationship string `json:"relationship"`
	Desc         string `json:"desc,omitempty"`
	Approved     bool   `json:"approved"`
	PeerApproved bool   `json:"peer_approved"`
	Verified     bool   `json:"verified"`
}

// Subscription is one subscription row as returned by the subscription
// endpoints.
type Subscription struct {
	PeerID         string `json:"peerid"`
	SubscriptionID string `json:"subscriptionid"`
	IsCallback     bool   `json:"callback"`
	Target         string `json:"target"`
	Subtarget      string `json:"subtarget,omitempty"`
	Resource       string `json:"resource,omitempty"`
	Granularity    string `json:"granularity"`
	Sequence       int    `json:"sequence"`
}

// SubscribeRequest is the payload for Subscribe.
type SubscribeRequest struct {
	PeerID      string `json:"peerid"`
	Target      string `json:"target"`
	Subtarget   string `json:"subtarget,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

// Client is the ActingWeb SDK entry point. It authenticates as the actor
// owner using the creator name and passphrase returned at creation.
type Client struct {
	serverBase string
	httpClient *http.Client

	creator    string
	passphrase string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCredentials attaches owner credentials to every request.
func WithCredentials(creator, passphrase string) Option {
	return func(c *Client) error {
		c.creator = creator
		c.passphrase = passphrase
		return nil
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a new ActingWeb SDK Client connected to serverBase.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithCredentials("me@example.com", passphrase),
//	)
func New(serverBase string, opts ...Option) (*Client, error) {
	c := &Client{
		serverBase: strings.TrimSuffix(serverBase, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// do performs one request against the server and decodes the response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverBase+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creator != "" {
		req.SetBasicAuth(c.creator, c.passphrase)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		var e struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateActor instantiates a new actor. The returned Passphrase must be
// saved: it cannot be retrieved later.
func (c *Client) CreateActor(ctx context.Context, creator string) (*Actor, error) {
	var a Actor
	if err := c.do(ctx, http.MethodPost, "/", map[string]string{"creator": creator}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActor fetches the owner's view of an actor.
func (c *Client) GetActor(ctx context.Context, actorID string) (*Actor, error) {
	var a Actor
	if err := c.do(ctx, http.MethodGet, "/"+actorID, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteActor destroys an actor and everything it owns.
func (c *Client) DeleteActor(ctx context.Context, actorID string) error {
	return c.do(ctx, http.MethodDelete, "/"+actorID, nil, nil)
}

// GetProperties fetches all properties of an actor.
func (c *Client) GetProperties(ctx context.Context, actorID string) (map[string]json.RawMessage, error) {
	props := map[string]json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/"+actorID+"/properties", nil, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// GetProperty fetches one property value, scalar or list.
func (c *Client) GetProperty(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	var v json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/"+actorID+"/properties/"+name, nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetProperty stores a property value. A JSON array value creates or
// replaces a list property; anything else is stored as a scalar.
func (c *Client) SetProperty(ctx context.Context, actorID, name string, value json.RawMessage) error {
	return c.do(ctx, http.MethodPut, "/"+actorID+"/properties/"+name, value, nil)
}

// DeleteProperty removes a property.
func (c *Client) DeleteProperty(ctx context.Context, actorID, name string) error {
	return c.do(ctx, http.MethodDelete, "/"+actorID+"/properties/"+name, nil, nil)
}

// ListOpRequest is the payload for ListOp.
type ListOpRequest struct {
	Operation string            `json:"operation"`
	Item      json.RawMessage   `json:"item,omitempty"`
	Index     *int              `json:"index,omitempty"`
	Items     []json.RawMessage `json:"items,omitempty"`
}

// ListOp applies one list operation (append, insert, update, delete,
// extend, pop, clear, remove) to a list property. The popped item is
// returned for "pop", nil otherwise.
func (c *Client) ListOp(ctx context.Context, actorID, name string, req *ListOpRequest) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/"+actorID+"/properties/"+name, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTrusts fetches all trust relationships of an actor.
func (c *Client) ListTrusts(ctx context.Context, actorID string) ([]Trust, error) {
	var trusts []Trust
	if err := c.do(ctx, http.MethodGet, "/"+actorID+"/trust", nil, &trusts); err != nil {
		return nil, err
	}
	return trusts, nil
}

// InitiateTrust starts a reciprocal trust handshake with the actor at
// peerURL.
func (c *Client) InitiateTrust(ctx context.Context, actorID, peerURL, relationship, desc string) (*Trust, error) {
	var t Trust
	err := c.do(ctx, http.MethodPost, "/"+actorID+"/trust", map[string]string{
		"url":          peerURL,
		"relationship": relationship,
		"desc":         desc,
	}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ApproveTrust approves a pending trust relationship.
func (c *Client) ApproveTrust(ctx context.Context, actorID, relationship, peerID string) (*Trust, error) {
	var t Trust
	err := c.do(ctx, http.MethodPut, "/"+actorID+"/trust/"+relationship+"/"+peerID, map[string]any{
		"approved": true,
	}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTrust removes a trust relationship on both sides. Set localOnly
// to keep the peer's side untouched.
func (c *Client) DeleteTrust(ctx context.Context, actorID, relationship, peerID string, localOnly bool) error {
	path := "/" + actorID + "/trust/" + relationship + "/" + peerID
	if localOnly {
		path += "?peer=false"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ListSubscriptions fetches every subscription of an actor, both the
// ones peers hold on it and the ones it holds on peers.
func (c *Client) ListSubscriptions(ctx context.Context, actorID string) ([]Subscription, error) {
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+actorID+"/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// Subscribe subscribes the actor to a trusted peer's data.
func (c *Client) Subscribe(ctx context.Context, actorID string, req *SubscribeRequest) (*Subscription, error) {
	var s Subscription
	if err := c.do(ctx, http.MethodPost, "/"+actorID+"/subscriptions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Unsubscribe cancels a subscription.
func (c *Client) Unsubscribe(ctx context.Context, actorID, peerID, subID string) error {
	return c.do(ctx, http.MethodDelete, "/"+actorID+"/subscriptions/"+peerID+"/"+subID, nil, nil)
}
