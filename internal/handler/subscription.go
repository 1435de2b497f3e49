package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

// SubscriptionHandler handles subscription management and the diff pull
// endpoints.
type SubscriptionHandler struct {
	subs   *subscription.Service
	auth   *Auth
	logger *zap.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(subs *subscription.Service, auth *Auth, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs, auth: auth, logger: logger}
}

// Register registers subscription routes under /:actor_id/subscriptions.
func (h *SubscriptionHandler) Register(rg *gin.RouterGroup) {
	sub := rg.Group("/subscriptions")
	{
		sub.GET("", h.auth.RequireOwner(), h.List)
		sub.POST("", h.auth.RequireOwner(), h.Subscribe)
		sub.PUT("", h.auth.RequireOwner(), h.Suspension)
		sub.POST("/:peerid", h.auth.RequirePeer(), h.CreateInbound)
		sub.GET("/:peerid", h.auth.RequireOwnerOrPeer(), h.ListForPeer)
		sub.GET("/:peerid/:subid", h.auth.RequirePeer(), h.PullDiffs)
		sub.PUT("/:peerid/:subid", h.auth.RequirePeer(), h.Confirm)
		sub.DELETE("/:peerid/:subid", h.auth.RequireOwnerOrPeer(), h.Delete)
	}
}

// peerMatches ensures the authenticated peer only touches its own
// subscriptions.
func peerMatches(c *gin.Context) bool {
	p := peerFromCtx(c)
	if p == nil {
		return ownerFromCtx(c) != nil
	}
	return p.PeerID == c.Param("peerid")
}

// List handles GET /:actor_id/subscriptions — every subscription in both
// directions, for the owner.
func (h *SubscriptionHandler) List(c *gin.Context) {
	subs, err := h.subs.List(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// Subscribe handles POST /:actor_id/subscriptions — the owner subscribes
// this actor to a peer.
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	var req struct {
		PeerID string `json:"peerid"`
		subscription.CreateRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.PeerID == "" {
		apiError(c, http.StatusBadRequest, "peerid is required")
		return
	}

	sub, err := h.subs.Subscribe(c.Request.Context(), c.Param("actor_id"), req.PeerID, &req.CreateRequest)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// Suspension handles PUT /:actor_id/subscriptions — the owner pauses or
// resumes diff generation for a target. Resuming sends resync callbacks
// to every affected subscriber.
func (h *SubscriptionHandler) Suspension(c *gin.Context) {
	var req struct {
		Target    string `json:"target"`
		Subtarget string `json:"subtarget,omitempty"`
		Suspend   bool   `json:"suspend"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Target == "" {
		apiError(c, http.StatusBadRequest, "target is required")
		return
	}

	var err error
	if req.Suspend {
		err = h.subs.Suspend(c.Request.Context(), c.Param("actor_id"), req.Target, req.Subtarget)
	} else {
		err = h.subs.Resume(c.Request.Context(), c.Param("actor_id"), req.Target, req.Subtarget)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateInbound handles POST /:actor_id/subscriptions/:peerid — a peer
// subscribes to this actor.
func (h *SubscriptionHandler) CreateInbound(c *gin.Context) {
	if !peerMatches(c) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	var req subscription.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.subs.CreateInbound(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("Location", c.Request.URL.Path+"/"+sub.SubscriptionID)
	c.JSON(http.StatusCreated, gin.H{"subscriptionid": sub.SubscriptionID})
}

// ListForPeer handles GET /:actor_id/subscriptions/:peerid.
func (h *SubscriptionHandler) ListForPeer(c *gin.Context) {
	if !peerMatches(c) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	subs, err := h.subs.ListForPeer(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// PullDiffs handles GET /:actor_id/subscriptions/:peerid/:subid — the
// subscriber pulls its pending diff queue.
func (h *SubscriptionHandler) PullDiffs(c *gin.Context) {
	if !peerMatches(c) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	page, err := h.subs.PullDiffs(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"), c.Param("subid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Confirm handles PUT /:actor_id/subscriptions/:peerid/:subid — the
// subscriber confirms processing up to a sequence so the queue clears.
func (h *SubscriptionHandler) Confirm(c *gin.Context) {
	if !peerMatches(c) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	var req struct {
		Sequence int `json:"sequence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.subs.Confirm(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"), c.Param("subid"), req.Sequence); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /:actor_id/subscriptions/:peerid/:subid. A peer
// cancels its subscription on us; the owner cancels an outbound
// subscription (peer side included) or revokes an inbound one.
func (h *SubscriptionHandler) Delete(c *gin.Context) {
	if !peerMatches(c) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	actorID := c.Param("actor_id")
	peerID := c.Param("peerid")
	subID := c.Param("subid")
	ctx := c.Request.Context()

	var err error
	if ownerFromCtx(c) != nil {
		sub, gerr := h.subs.Get(ctx, actorID, peerID, subID)
		if gerr != nil {
			respondError(c, h.logger, gerr)
			return
		}
		if sub.IsCallback {
			err = h.subs.Unsubscribe(ctx, actorID, peerID, subID)
		} else {
			err = h.subs.Delete(ctx, actorID, peerID, subID)
		}
	} else {
		err = h.subs.Delete(ctx, actorID, peerID, subID)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
