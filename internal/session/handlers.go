package session

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/validation"
)

// Handler provides HTTP endpoints for sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up session and payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/start", h.StartSession)
	r.POST("/sessions/end", h.EndSession)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/payments/by_session", h.ListPayments)
}

// StartSession handles POST /sessions/start
func (h *Handler) StartSession(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "student_id and listing_id are required")
		return
	}
	result, err := h.service.Start(c.Request.Context(), req)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// EndSession handles POST /sessions/end
func (h *Handler) EndSession(c *gin.Context) {
	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "session_id is required")
		return
	}
	breakdown, err := h.service.End(c.Request.Context(), req)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, breakdown)
}

// GetSession handles GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "invalid session id")
		return
	}
	sess, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ListPayments handles GET /payments/by_session?session_id=
func (h *Handler) ListPayments(c *gin.Context) {
	id := c.Query("session_id")
	if !validation.IsValidID(id) {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "session_id is required")
		return
	}
	payments, err := h.service.Payments(c.Request.Context(), id)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}
