package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quaymarket/quay/internal/idgen"
	"github.com/quaymarket/quay/internal/logging"
	"github.com/quaymarket/quay/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store WebhookStore
}

// NewHandler creates a webhook subscription handler.
func NewHandler(store WebhookStore) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up auth-required webhook routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	r.DELETE("/webhooks/:id", h.DeleteSubscription)
}

// CreateSubscriptionRequest is the body for POST /v1/webhooks.
type CreateSubscriptionRequest struct {
	URL    string `json:"url" binding:"required"`
	Secret string `json:"secret"`
}

// CreateSubscription handles POST /v1/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub := &WebhookSubscription{
		ID:        idgen.WithPrefix("whk"),
		UserID:    c.GetString("authUserID"),
		URL:       req.URL,
		Secret:    req.Secret,
		Active:    true,
		CreatedAt: timeNow(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.FromContext(c.Request.Context()).Error("create webhook subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"webhook": sub})
}

// ListSubscriptions handles GET /v1/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if sub.UserID != c.GetString("authUserID") && !c.GetBool("authIsAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not your subscription",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": sub.ID})
}
