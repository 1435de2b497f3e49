package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// TrustHandler handles the trust endpoints: the owner's management
// surface and the peer-facing handshake routes.
type TrustHandler struct {
	trusts *trust.Service
	auth   *Auth
	logger *zap.Logger
}

// NewTrustHandler creates a TrustHandler.
func NewTrustHandler(trusts *trust.Service, auth *Auth, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{trusts: trusts, auth: auth, logger: logger}
}

// Register registers trust routes under /:actor_id/trust.
func (h *TrustHandler) Register(rg *gin.RouterGroup) {
	tr := rg.Group("/trust")
	{
		tr.GET("", h.auth.RequireOwner(), h.List)
		tr.POST("", h.auth.RequireOwner(), h.Initiate)
		// discovery, no credential needed
		tr.GET("/relationships", h.Relationships)
		// peers POST here before any credential exists
		tr.POST("/:relationship", h.Incoming)
		tr.GET("/:relationship/:peerid", h.auth.RequireOwnerOrPeer(), h.Get)
		tr.PUT("/:relationship/:peerid", h.auth.RequireOwnerOrPeer(), h.Modify)
		tr.DELETE("/:relationship/:peerid", h.auth.RequireOwnerOrPeer(), h.Delete)

		perms := tr.Group("/:relationship/:peerid/permissions", h.auth.RequireOwner())
		{
			perms.GET("", h.GetPermissions)
			perms.PUT("", h.PutPermissions)
			perms.DELETE("", h.DeletePermissions)
		}
	}
}

// resolve loads the trust named by the path and checks the relationship
// segment matches.
func (h *TrustHandler) resolve(c *gin.Context) *model.Trust {
	t, err := h.trusts.Get(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"))
	if err != nil {
		respondError(c, h.logger, err)
		return nil
	}
	if t.Relationship != c.Param("relationship") {
		apiError(c, http.StatusNotFound, "not found")
		return nil
	}
	// a peer may only touch its own trust
	if p := peerFromCtx(c); ownerFromCtx(c) == nil && p != nil && p.PeerID != t.PeerID {
		apiError(c, http.StatusForbidden, "forbidden")
		return nil
	}
	return t
}

// List handles GET /:actor_id/trust.
func (h *TrustHandler) List(c *gin.Context) {
	trusts, err := h.trusts.List(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if trusts == nil {
		trusts = []*model.Trust{}
	}
	c.JSON(http.StatusOK, trusts)
}

// Relationships handles GET /:actor_id/trust/relationships — the tiers
// this deployment accepts, for peers picking one before a handshake.
func (h *TrustHandler) Relationships(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"relationships": h.trusts.Relationships()})
}

// Initiate handles POST /:actor_id/trust — the owner starts a handshake
// with the actor at the given URL.
func (h *TrustHandler) Initiate(c *gin.Context) {
	var req struct {
		URL          string `json:"url"`
		Relationship string `json:"relationship"`
		Desc         string `json:"desc"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		apiError(c, http.StatusBadRequest, "url is required")
		return
	}

	t, err := h.trusts.CreateReciprocal(c.Request.Context(), c.Param("actor_id"), req.URL, req.Relationship, req.Desc)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Incoming handles POST /:actor_id/trust/:relationship — a peer requests
// a reciprocal trust. 201 means auto-approved, 202 pending owner action.
func (h *TrustHandler) Incoming(c *gin.Context) {
	var req struct {
		ID      string `json:"id"`
		BaseURI string `json:"base_uri"`
		Type    string `json:"type"`
		Secret  string `json:"secret"`
		Desc    string `json:"desc"`
		Verify  string `json:"verify"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}

	t, approved, err := h.trusts.HandleIncoming(c.Request.Context(), c.Param("actor_id"), c.Param("relationship"), &trust.IncomingTrustRequest{
		PeerID:   req.ID,
		BaseURI:  req.BaseURI,
		PeerType: req.Type,
		Secret:   req.Secret,
		Desc:     req.Desc,
		Verify:   req.Verify,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := http.StatusAccepted
	if approved {
		status = http.StatusCreated
	}
	c.JSON(status, t)
}

// trustDoc is the peer-facing representation, carrying the verification
// token only for the authenticated peer itself.
type trustDoc struct {
	PeerID            string `json:"id"`
	BaseURI           string `json:"base_uri"`
	Relationship      string `json:"relationship"`
	Approved          bool   `json:"approved"`
	PeerApproved      bool   `json:"peer_approved"`
	Verified          bool   `json:"verified"`
	VerificationToken string `json:"verification_token,omitempty"`
}

// Get handles GET /:actor_id/trust/:relationship/:peerid. Peers use this
// as the verification callback during the handshake.
func (h *TrustHandler) Get(c *gin.Context) {
	t := h.resolve(c)
	if t == nil {
		return
	}
	if ownerFromCtx(c) != nil {
		c.JSON(http.StatusOK, t)
		return
	}
	c.JSON(http.StatusOK, trustDoc{
		PeerID:            t.PeerID,
		BaseURI:           t.BaseURI,
		Relationship:      t.Relationship,
		Approved:          t.Approved,
		PeerApproved:      t.PeerApproved,
		Verified:          t.Verified,
		VerificationToken: t.VerificationToken,
	})
}

// Modify handles PUT /:actor_id/trust/:relationship/:peerid. The owner
// changes approval or description; the peer reports its own approval.
func (h *TrustHandler) Modify(c *gin.Context) {
	t := h.resolve(c)
	if t == nil {
		return
	}
	var req struct {
		Approved *bool   `json:"approved"`
		Desc     *string `json:"desc"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	if ownerFromCtx(c) != nil {
		updated, err := h.trusts.ModifyAndNotify(ctx, c.Param("actor_id"), t.PeerID, req.Approved, req.Desc)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, updated)
		return
	}

	if req.Approved == nil || !*req.Approved {
		apiError(c, http.StatusBadRequest, "peers may only report approval")
		return
	}
	if _, err := h.trusts.RecordPeerApproval(ctx, c.Param("actor_id"), t.PeerID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /:actor_id/trust/:relationship/:peerid. The
// owner deletes both sides unless ?peer=false; a peer deleting tears
// down only our side, since it removes its own.
func (h *TrustHandler) Delete(c *gin.Context) {
	t := h.resolve(c)
	if t == nil {
		return
	}
	deletePeer := ownerFromCtx(c) != nil && c.DefaultQuery("peer", "true") == "true"

	if _, err := h.trusts.DeleteReciprocal(c.Request.Context(), c.Param("actor_id"), t.PeerID, deletePeer); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPermissions handles GET .../permissions.
func (h *TrustHandler) GetPermissions(c *gin.Context) {
	data, err := h.trusts.GetPermissions(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// PutPermissions handles PUT .../permissions — stores a per-trust
// permission override.
func (h *TrustHandler) PutPermissions(c *gin.Context) {
	var raw json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.trusts.SetPermissions(c.Request.Context(), c.Param("actor_id"), c.Param("peerid"), raw); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeletePermissions handles DELETE .../permissions.
func (h *TrustHandler) DeletePermissions(c *gin.Context) {
	if err := h.trusts.DeletePermissions(c.Request.Context(), c.Param("actor_id"), c.Param("peerid")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
