package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/subscription"
)

// CallbackHandler receives subscription callbacks pushed by publishers
// and feeds them to the ordering processor.
type CallbackHandler struct {
	processor *subscription.Processor
	auth      *Auth
	logger    *zap.Logger
}

// NewCallbackHandler creates a CallbackHandler.
func NewCallbackHandler(processor *subscription.Processor, auth *Auth, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{processor: processor, auth: auth, logger: logger}
}

// Register registers the callback route under /:actor_id/callbacks.
func (h *CallbackHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/callbacks/subscriptions/:peerid/:subid", h.auth.RequirePeer(), h.Receive)
}

// Receive handles POST /:actor_id/callbacks/subscriptions/:peerid/:subid.
// Handled or queued diffs answer 204. A full pending buffer answers 429
// so the publisher backs off; a triggered resync answers 200 with the
// result so the publisher knows.
func (h *CallbackHandler) Receive(c *gin.Context) {
	if !peerMatches(c) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	var env subscription.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	// the path, not the body, names the publisher and subscription
	env.ID = c.Param("peerid")
	env.SubscriptionID = c.Param("subid")
	if env.Type == "" {
		env.Type = subscription.TypeDiff
	}

	res, err := h.processor.Process(c.Request.Context(), c.Param("actor_id"), &env)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	switch res {
	case subscription.Rejected:
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, gin.H{"result": res.String()})
	case subscription.ResyncTriggered:
		// the publisher learns a full resync is underway
		c.JSON(http.StatusOK, gin.H{"result": res.String()})
	default:
		c.Status(http.StatusNoContent)
	}
}
