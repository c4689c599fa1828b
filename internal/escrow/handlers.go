package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quaymarket/quay/internal/pagination"
	"github.com/quaymarket/quay/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:id/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/sign", h.SignEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.PUT("/escrows/:id/resolution-mode", h.SetResolutionMode)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidUserID("buyerId", req.BuyerID),
		validation.ValidUserID("sellerId", req.SellerID),
		validation.PositiveMinorUnits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// Only the buyer can open an escrow on their own behalf.
	callerID := c.GetString("authUserID")
	if callerID != req.BuyerID && !c.GetBool("authIsAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	e, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	userID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown status filter",
		})
		return
	}

	var role SignerRole
	switch c.Query("role") {
	case "":
	case "buyer":
		role = RoleBuyer
	case "seller":
		role = RoleSeller
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be buyer or seller",
		})
		return
	}

	// Fetch one past the page size to learn whether more pages exist.
	escrows, err := h.engine.ListByUser(c.Request.Context(), ListQuery{
		UserID: userID,
		Role:   role,
		Status: status,
		Cursor: cursor,
		Limit:  limit + 1,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	page, next, hasMore := pagination.Page(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	resp := gin.H{
		"escrows": page,
		"count":   len(page),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	e, err := h.engine.Fund(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// SignEscrow handles POST /v1/escrows/:id/sign
func (h *Handler) SignEscrow(c *gin.Context) {
	e, err := h.engine.Sign(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), c.GetBool("authIsAdmin"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	e, err := h.engine.Release(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), c.GetBool("authIsAdmin"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	e, err := h.engine.Refund(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), c.GetBool("authIsAdmin"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolutionModeRequest is the body for PUT /v1/escrows/:id/resolution-mode.
type ResolutionModeRequest struct {
	Mode                 ResolutionMode `json:"mode"`
	AutoResolveAfterDays int            `json:"autoResolveAfterDays,omitempty"`
}

// SetResolutionMode handles PUT /v1/escrows/:id/resolution-mode
func (h *Handler) SetResolutionMode(c *gin.Context) {
	var req ResolutionModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "mode is required",
		})
		return
	}

	e, err := h.engine.SetResolutionMode(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), c.GetBool("authIsAdmin"),
		req.Mode, req.AutoResolveAfterDays)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// respondError maps engine errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrSplitIncomplete):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownCurrency),
		errors.Is(err, ErrInvalidMode), errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrSamePartyEscrow):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrReputationFloor):
		status = http.StatusUnprocessableEntity
		code = "reputation_floor"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
