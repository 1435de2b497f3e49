package subscription

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	diffsRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_diffs_registered_total",
		Help: "Diffs queued for peer subscriptions, by target.",
	}, []string{"target"})

	callbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_callback_deliveries_total",
		Help: "Outgoing subscription callback attempts, by outcome.",
	}, []string{"outcome"})
)

// Delivery is one callback push to a peer.
type Delivery struct {
	PeerBaseURI    string
	PublisherID    string
	SubscriptionID string
	Secret         string
	Envelope       *Envelope
}

// Dispatcher delivers callback envelopes to peers. Implementations decide
// whether delivery blocks the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *Delivery)
}

// callbackPoster is the peer client method the dispatcher needs.
type callbackPoster interface {
	PostCallback(ctx context.Context, peerBaseURI, publisherID, subID, secret string, envelope []byte) (int, error)
}

// SyncDispatcher delivers callbacks inline. Delivery failure is logged
// only: the diff is already queued and the subscriber recovers by pull.
type SyncDispatcher struct {
	client callbackPoster
	logger *zap.Logger
}

// NewSyncDispatcher creates an inline dispatcher.
func NewSyncDispatcher(client callbackPoster, logger *zap.Logger) *SyncDispatcher {
	return &SyncDispatcher{client: client, logger: logger}
}

// Dispatch posts the envelope to the peer's callback endpoint.
func (d *SyncDispatcher) Dispatch(ctx context.Context, job *Delivery) {
	body, err := json.Marshal(job.Envelope)
	if err != nil {
		d.logger.Error("marshal callback envelope", zap.Error(err))
		callbackDeliveries.WithLabelValues("marshal_error").Inc()
		return
	}
	status, err := d.client.PostCallback(ctx, job.PeerBaseURI, job.PublisherID, job.SubscriptionID, job.Secret, body)
	switch {
	case err != nil:
		callbackDeliveries.WithLabelValues("transport_error").Inc()
		d.logger.Warn("callback delivery",
			zap.String("subscription_id", job.SubscriptionID),
			zap.Error(err),
		)
	case status == http.StatusTooManyRequests:
		callbackDeliveries.WithLabelValues("rejected").Inc()
		d.logger.Warn("callback rejected by peer",
			zap.String("subscription_id", job.SubscriptionID),
			zap.Int("status", status),
		)
	case status >= 400:
		callbackDeliveries.WithLabelValues("error").Inc()
		d.logger.Warn("callback delivery failed",
			zap.String("subscription_id", job.SubscriptionID),
			zap.Int("status", status),
		)
	default:
		callbackDeliveries.WithLabelValues("delivered").Inc()
	}
}

// GoDispatcher runs deliveries on background goroutines with a
// concurrency cap, so property writes never block on a slow peer.
type GoDispatcher struct {
	inner Dispatcher
	sem   chan struct{}
}

// NewGoDispatcher wraps an inner dispatcher with at most maxConcurrent
// in-flight deliveries.
func NewGoDispatcher(inner Dispatcher, maxConcurrent int) *GoDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &GoDispatcher{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

// Dispatch queues the delivery on a goroutine. The request context is
// detached so the push outlives the triggering HTTP request.
func (d *GoDispatcher) Dispatch(ctx context.Context, job *Delivery) {
	bg := context.WithoutCancel(ctx)
	d.sem <- struct{}{}
	go func() {
		defer func() { <-d.sem }()
		d.inner.Dispatch(bg, job)
	}()
}
