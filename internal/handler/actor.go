package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
)

// ActorHandler handles actor lifecycle requests: the factory endpoint,
// meta discovery, and deletion.
type ActorHandler struct {
	actors *actor.Service
	auth   *Auth
	logger *zap.Logger
}

// NewActorHandler creates an ActorHandler.
func NewActorHandler(actors *actor.Service, auth *Auth, logger *zap.Logger) *ActorHandler {
	return &ActorHandler{actors: actors, auth: auth, logger: logger}
}

// RegisterFactory registers the unauthenticated actor factory route.
func (h *ActorHandler) RegisterFactory(rg *gin.RouterGroup) {
	rg.POST("/", h.Create)
}

// Register registers per-actor routes on the given router group.
func (h *ActorHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/meta", h.Meta)
	rg.GET("", h.auth.RequireOwner(), h.Get)
	rg.DELETE("", h.auth.RequireOwner(), h.Delete)
}

// Create handles POST / — instantiates a new actor. The generated
// passphrase is returned exactly once.
func (h *ActorHandler) Create(c *gin.Context) {
	var req struct {
		Creator string `json:"creator"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}

	a, passphrase, err := h.actors.Create(c.Request.Context(), req.Creator)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	RecordActorCreated()

	c.Header("Location", a.BaseURI)
	c.JSON(http.StatusCreated, gin.H{
		"id":         a.ID,
		"creator":    a.Creator,
		"passphrase": passphrase,
		"base_uri":   a.BaseURI,
	})
}

// Meta handles GET /:actor_id/meta — the public discovery document.
func (h *ActorHandler) Meta(c *gin.Context) {
	m, err := h.actors.Meta(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Get handles GET /:actor_id — the owner's view of the actor.
func (h *ActorHandler) Get(c *gin.Context) {
	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Delete handles DELETE /:actor_id — destroys the actor and everything
// it owns, notifying trusted peers first.
func (h *ActorHandler) Delete(c *gin.Context) {
	if err := h.actors.Delete(c.Request.Context(), c.Param("actor_id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
