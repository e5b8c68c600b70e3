package milestone

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/murphlabs/murph/internal/apierror"
	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/validation"
)

// Handler provides HTTP endpoints for milestone escrows.
type Handler struct {
	service *Service
}

// NewHandler creates a new milestone handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up milestone routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/milestones/intent", h.CreateIntent)
	r.GET("/milestones/escrow/:intent_id", h.GetEscrow)
	r.POST("/milestones", h.CreateMilestone)
	r.GET("/milestones", h.ListMilestones)
	r.GET("/milestones/:id", h.GetMilestone)
	r.POST("/milestones/:id/proof", h.SubmitProof)
	r.POST("/milestones/:id/complete", h.CompleteMilestone)
}

type intentRequest struct {
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

// CreateIntent handles POST /milestones/intent
func (h *Handler) CreateIntent(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "invalid request body")
		return
	}
	intent, err := h.service.CreatePaymentIntent(c.Request.Context(), paygate.IntentRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

// GetEscrow handles GET /milestones/escrow/:intent_id
func (h *Handler) GetEscrow(c *gin.Context) {
	intentID := c.Param("intent_id")
	if !validation.IsValidID(intentID) {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "invalid intent id")
		return
	}
	view, err := h.service.GetEscrowByIntent(c.Request.Context(), intentID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CreateMilestone handles POST /milestones
func (h *Handler) CreateMilestone(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "escrow_id and session_id are required")
		return
	}
	m, err := h.service.CreateMilestone(c.Request.Context(), req)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": m})
}

// ListMilestones handles GET /milestones?escrow_id=&session_id=&limit=&offset=
func (h *Handler) ListMilestones(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	f := Filter{
		EscrowID:  c.Query("escrow_id"),
		SessionID: c.Query("session_id"),
		Limit:     limit,
		Offset:    offset,
	}
	if errs := validation.Validate(
		validation.ValidID("escrow_id", f.EscrowID),
		validation.ValidID("session_id", f.SessionID),
	); len(errs) > 0 {
		apierror.Respond(c, apierror.Validation(errs.Error()))
		return
	}
	ms, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms, "count": len(ms)})
}

// GetMilestone handles GET /milestones/:id
func (h *Handler) GetMilestone(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// SubmitProof handles POST /milestones/:id/proof. Proof and release
// happen in one call.
func (h *Handler) SubmitProof(c *gin.Context) {
	var proof Proof
	if err := c.ShouldBindJSON(&proof); err != nil {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "video_url is required")
		return
	}
	result, err := h.service.SubmitProofAndComplete(c.Request.Context(), c.Param("id"), proof)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CompleteMilestone handles POST /milestones/:id/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	result, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
