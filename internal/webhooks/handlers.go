package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txfirewall/internal/idgen"
	"github.com/mbd888/txfirewall/internal/security"
)

// Handler provides admin endpoints for webhook subscriptions.
type Handler struct {
	store       Store
	validateURL func(string) error
	now         func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithURLValidator replaces the endpoint check applied to new subscriptions.
func WithURLValidator(fn func(string) error) HandlerOption {
	return func(h *Handler) { h.validateURL = fn }
}

// NewHandler creates a webhook handler.
func NewHandler(store Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:       store,
		validateURL: security.ValidateEndpointURL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterAdminRoutes sets up webhook routes. The caller is expected to have
// applied RequireAdmin to r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/webhooks", h.ListWebhooks)
	r.POST("/admin/webhooks", h.CreateWebhook)
	r.POST("/admin/webhooks/:webhookId/activate", h.ActivateWebhook)
	r.DELETE("/admin/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest is the body of POST /admin/webhooks. Events defaults
// to rejections only.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
	Codes  []string `json:"codes"`
}

// CreateWebhook handles POST /v1/admin/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := []EventType{EventDecisionRejected}
	if len(req.Events) > 0 {
		events = events[:0]
		for _, e := range req.Events {
			t := EventType(e)
			if !t.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_event",
					"message": ErrInvalidEvent.Error() + ": " + e,
				})
				return
			}
			events = append(events, t)
		}
	}

	secret := "whsec_" + idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixWebhook),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Codes:     req.Codes,
		Active:    true,
		CreatedAt: h.now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"warning": "Store this secret now. It will not be shown again.",
		"usage": gin.H{
			"signatureHeader": HeaderSignature,
			"timestampHeader": HeaderTimestamp,
			"scheme":          "sha256=HMAC-SHA256(secret, timestamp + \".\" + body)",
		},
	})
}

// ListWebhooks handles GET /v1/admin/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// ActivateWebhook handles POST /v1/admin/webhooks/:webhookId/activate and
// re-enables a subscription the dispatcher turned off.
func (h *Handler) ActivateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	if err := h.store.Update(ctx, sub); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// DeleteWebhook handles DELETE /v1/admin/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("webhookId")); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "webhook_not_found",
			"message": "Webhook not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Webhook store unavailable",
	})
}
