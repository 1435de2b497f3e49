package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
	"github.com/actingweb/actingweb-go/internal/permission"
	"github.com/actingweb/actingweb-go/internal/property"
	"github.com/actingweb/actingweb-go/internal/store"
)

// PropertyHandler handles the property endpoints. The owner has full
// access; peers go through the permission evaluator on every name.
type PropertyHandler struct {
	props     *property.Service
	evaluator *permission.Evaluator
	auth      *Auth
	logger    *zap.Logger
}

// NewPropertyHandler creates a PropertyHandler.
func NewPropertyHandler(props *property.Service, evaluator *permission.Evaluator, auth *Auth, logger *zap.Logger) *PropertyHandler {
	return &PropertyHandler{props: props, evaluator: evaluator, auth: auth, logger: logger}
}

// Register registers property routes under /:actor_id/properties.
func (h *PropertyHandler) Register(rg *gin.RouterGroup) {
	props := rg.Group("/properties", h.auth.RequireOwnerOrPeer())
	{
		props.GET("", h.GetAll)
		props.GET("/:name", h.Get)
		props.PUT("/:name", h.Put)
		props.POST("/:name", h.ListOp)
		props.DELETE("/:name", h.Delete)
	}
}

// allowed checks a peer's access to one property name. The owner always
// passes.
func (h *PropertyHandler) allowed(c *gin.Context, actorID, name string, op permission.Operation) bool {
	if ownerFromCtx(c) != nil {
		return true
	}
	t := peerFromCtx(c)
	if t == nil {
		return false
	}
	return h.evaluator.EvaluatePropertyAccess(c.Request.Context(), actorID, t.PeerID, name, op) == permission.Allowed
}

// GetAll handles GET /:actor_id/properties. With ?metadata=true list
// properties appear as summaries. Peers see only what their permissions
// allow.
func (h *PropertyHandler) GetAll(c *gin.Context) {
	actorID := c.Param("actor_id")
	summarize := c.Query("metadata") == "true"

	all, err := h.props.GetAll(c.Request.Context(), actorID, summarize)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if ownerFromCtx(c) == nil {
		for name := range all {
			if !h.allowed(c, actorID, name, permission.OpRead) {
				delete(all, name)
			}
		}
	}
	c.JSON(http.StatusOK, all)
}

// Get handles GET /:actor_id/properties/:name for scalars and lists.
func (h *PropertyHandler) Get(c *gin.Context) {
	actorID := c.Param("actor_id")
	name := c.Param("name")
	if !h.allowed(c, actorID, name, permission.OpRead) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	ctx := c.Request.Context()

	if value, err := h.props.GetScalar(ctx, actorID, name); err == nil {
		c.JSON(http.StatusOK, value)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		respondError(c, h.logger, err)
		return
	}

	items, err := h.props.GetList(ctx, actorID, name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// Put handles PUT /:actor_id/properties/:name. A JSON array replaces the
// property as a list; anything else is stored as a scalar.
func (h *PropertyHandler) Put(c *gin.Context) {
	actorID := c.Param("actor_id")
	name := c.Param("name")
	if !h.allowed(c, actorID, name, permission.OpWrite) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}

	var raw json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			apiError(c, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.replaceList(c, actorID, name, items); err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.props.SetScalar(ctx, actorID, name, raw); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// replaceList overwrites a list property with the given items, creating
// it when absent.
func (h *PropertyHandler) replaceList(c *gin.Context, actorID, name string, items []json.RawMessage) error {
	ctx := c.Request.Context()
	if _, err := h.props.GetList(ctx, actorID, name); errors.Is(err, store.ErrNotFound) {
		if err := h.props.CreateList(ctx, actorID, name, nil); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if err := h.props.Clear(ctx, actorID, name); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return h.props.Extend(ctx, actorID, name, items)
}

// listOpRequest is the body of a semantic list mutation POST.
type listOpRequest struct {
	Operation string            `json:"operation"`
	Item      json.RawMessage   `json:"item,omitempty"`
	Index     *int              `json:"index,omitempty"`
	Items     []json.RawMessage `json:"items,omitempty"`
	Meta      *model.ListMeta   `json:"meta,omitempty"`
}

// ListOp handles POST /:actor_id/properties/:name — a semantic list
// operation. Missing operation with a meta body creates the list.
func (h *PropertyHandler) ListOp(c *gin.Context) {
	actorID := c.Param("actor_id")
	name := c.Param("name")
	if !h.allowed(c, actorID, name, permission.OpWrite) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}

	var req listOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	var err error
	switch req.Operation {
	case "":
		err = h.props.CreateList(ctx, actorID, name, req.Meta)
		if err == nil {
			c.Status(http.StatusCreated)
			return
		}
	case property.OpAppend:
		err = h.props.Append(ctx, actorID, name, req.Item)
	case property.OpInsert:
		if req.Index == nil {
			err = model.NewValidationError("insert requires an index")
		} else {
			err = h.props.Insert(ctx, actorID, name, *req.Index, req.Item)
		}
	case property.OpUpdate:
		if req.Index == nil {
			err = model.NewValidationError("update requires an index")
		} else {
			err = h.props.Update(ctx, actorID, name, *req.Index, req.Item)
		}
	case property.OpDelete:
		if req.Index == nil {
			err = model.NewValidationError("delete requires an index")
		} else {
			err = h.props.DeleteAt(ctx, actorID, name, *req.Index)
		}
	case property.OpExtend:
		err = h.props.Extend(ctx, actorID, name, req.Items)
	case property.OpPop:
		var popped json.RawMessage
		popped, err = h.props.Pop(ctx, actorID, name)
		if err == nil {
			c.JSON(http.StatusOK, popped)
			return
		}
	case property.OpClear:
		err = h.props.Clear(ctx, actorID, name)
	case property.OpRemove:
		err = h.props.Remove(ctx, actorID, name, req.Item)
	case property.OpMetadata:
		err = h.props.SetMeta(ctx, actorID, name, req.Meta)
	default:
		err = model.NewValidationError("unknown list operation " + req.Operation)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /:actor_id/properties/:name for either kind.
func (h *PropertyHandler) Delete(c *gin.Context) {
	actorID := c.Param("actor_id")
	name := c.Param("name")
	if !h.allowed(c, actorID, name, permission.OpDelete) {
		apiError(c, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.props.Delete(c.Request.Context(), actorID, name); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
