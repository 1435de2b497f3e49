// Package handler exposes the actor protocol over HTTP: actor factory,
// meta, properties, trust, subscriptions, and the callback endpoint.
package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/trust"
)

const (
	ctxOwner = "auth_owner" // *model.Actor, set when owner credentials match
	ctxPeer  = "auth_peer"  // *model.Trust, set when a trust secret matches
)

// Auth authenticates requests against one actor: HTTP basic credentials
// identify the owner, a bearer token is resolved as a trust secret.
type Auth struct {
	actors *actor.Service
	trusts *trust.Service
	logger *zap.Logger
}

// NewAuth creates the authentication middleware set.
func NewAuth(actors *actor.Service, trusts *trust.Service, logger *zap.Logger) *Auth {
	return &Auth{actors: actors, trusts: trusts, logger: logger}
}

// Authenticate resolves credentials without enforcing them. Handlers that
// allow anonymous access (meta) still learn who is asking.
func (a *Auth) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.Param("actor_id")
		ctx := c.Request.Context()

		if creator, passphrase, ok := c.Request.BasicAuth(); ok {
			owner, err := a.actors.Authenticate(ctx, actorID, creator, passphrase)
			if err == nil {
				c.Set(ctxOwner, owner)
			}
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			secret := strings.TrimPrefix(header, "Bearer ")
			t, err := a.trusts.FindBySecret(ctx, actorID, secret)
			if err == nil && t.Approved {
				c.Set(ctxPeer, t)
			}
		}
		c.Next()
	}
}

// RequireOwner aborts unless owner credentials matched.
func (a *Auth) RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ownerFromCtx(c) == nil {
			c.Header("WWW-Authenticate", `Basic realm="actor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody(http.StatusUnauthorized, "owner authentication required"))
			return
		}
		c.Next()
	}
}

// RequirePeer aborts unless a trust secret matched.
func (a *Auth) RequirePeer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if peerFromCtx(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody(http.StatusUnauthorized, "peer authentication required"))
			return
		}
		c.Next()
	}
}

// RequireOwnerOrPeer aborts unless either credential matched.
func (a *Auth) RequireOwnerOrPeer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ownerFromCtx(c) == nil && peerFromCtx(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody(http.StatusUnauthorized, "authentication required"))
			return
		}
		c.Next()
	}
}

func ownerFromCtx(c *gin.Context) *model.Actor {
	if v, ok := c.Get(ctxOwner); ok {
		return v.(*model.Actor)
	}
	return nil
}

func peerFromCtx(c *gin.Context) *model.Trust {
	if v, ok := c.Get(ctxPeer); ok {
		return v.(*model.Trust)
	}
	return nil
}
