package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quaymarket/quay/internal/escrow"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes. All dispute
// reads are restricted to the escrow's parties and admins, so none of them
// belong on the key-only read surface.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/escrows/:id/disputes", h.ListEscrowDisputes)
	r.GET("/users/:id/disputes", h.ListUserDisputes)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenRequest is the body for POST /v1/escrows/:id/dispute.
type OpenRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetForViewer(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), c.GetBool("authIsAdmin"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListEscrowDisputes handles GET /v1/escrows/:id/disputes
func (h *Handler) ListEscrowDisputes(c *gin.Context) {
	disputes, err := h.service.ListByEscrowForViewer(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), c.GetBool("authIsAdmin"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ListUserDisputes handles GET /v1/users/:id/disputes
func (h *Handler) ListUserDisputes(c *gin.Context) {
	userID := c.Param("id")
	if userID != c.GetString("authUserID") && !c.GetBool("authIsAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "you can only list your own disputes",
		})
		return
	}

	disputes, err := h.service.ListForUser(c.Request.Context(), userID, 100)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ListDisputes handles GET /v1/admin/disputes?status=open
func (h *Handler) ListDisputes(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status must be open, in_review, or resolved",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ReviewDispute handles POST /v1/admin/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	d, err := h.service.MarkInReview(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest is the body for POST /v1/admin/disputes/:id/resolve.
type ResolveRequest struct {
	Outcome    escrow.Outcome `json:"outcome" binding:"required"`
	Resolution string         `json:"resolution"`
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (resolved_buyer, resolved_seller, or resolved_split)",
		})
		return
	}
	if !req.Outcome.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown outcome",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Outcome, req.Resolution, c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// respondError maps dispute and escrow errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrDuplicateDispute), errors.Is(err, ErrDisputeClosed),
		errors.Is(err, escrow.ErrAlreadyResolved), errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrSplitIncomplete):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrReasonRequired), errors.Is(err, escrow.ErrInvalidOutcome):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
