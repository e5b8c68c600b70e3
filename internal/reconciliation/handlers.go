package reconciliation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/murphlabs/murph/internal/apierror"
)

// Handler exposes gaps to operators.
type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes mounts the gap routes. r is expected to be an admin group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation/gaps", h.ListGaps)
	r.POST("/reconciliation/gaps/:id/resolve", h.ResolveGap)
}

// ListGaps handles GET /admin/reconciliation/gaps?all=true&limit=N
func (h *Handler) ListGaps(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	unresolvedOnly := c.Query("all") != "true"

	gaps, err := h.recorder.List(c.Request.Context(), unresolvedOnly, limit)
	if err != nil {
		apierror.Respond(c, apierror.Internal("failed to list reconciliation gaps", err))
		return
	}
	if gaps == nil {
		gaps = []*Gap{}
	}
	c.JSON(http.StatusOK, gin.H{"gaps": gaps, "count": len(gaps)})
}

// ResolveGap handles POST /admin/reconciliation/gaps/:id/resolve
func (h *Handler) ResolveGap(c *gin.Context) {
	gap, err := h.recorder.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrGapNotFound) {
			apierror.Respond(c, apierror.NotFound(apierror.CodeGapNotFound, "reconciliation gap not found"))
			return
		}
		apierror.Respond(c, apierror.Internal("failed to resolve reconciliation gap", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"gap": gap})
}
