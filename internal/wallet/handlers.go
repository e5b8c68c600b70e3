package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/murphlabs/murph/internal/apierror"
)

// Handler provides HTTP endpoints for wallets.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/connect", h.Connect)
	r.GET("/wallet/balance", h.Balance)
}

type connectRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// Connect handles POST /wallet/connect
func (h *Handler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Abort(c, http.StatusBadRequest, apierror.CodeValidation, "user_id is required")
		return
	}
	info, err := h.service.Connect(c.Request.Context(), req.UserID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Balance handles GET /wallet/balance?user_id=
func (h *Handler) Balance(c *gin.Context) {
	info, err := h.service.Balance(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
