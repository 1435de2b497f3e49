package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

// errBody builds the wire error body {"error": {"code": n, "message": m}}.
func errBody(status int, msg string) gin.H {
	return gin.H{"error": gin.H{"code": status, "message": msg}}
}

// apiError writes one error response in the wire convention.
func apiError(c *gin.Context, status int, msg string) {
	c.JSON(status, errBody(status, msg))
}

// respondError maps service errors to HTTP answers. Unexpected errors are
// logged and hidden behind a generic 500.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var verr *model.ErrValidation
	switch {
	case errors.Is(err, store.ErrNotFound):
		apiError(c, http.StatusNotFound, "not found")
	case errors.As(err, &verr):
		apiError(c, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, subscription.ErrDenied):
		apiError(c, http.StatusForbidden, "forbidden")
	default:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		apiError(c, http.StatusInternalServerError, "internal error")
	}
}
