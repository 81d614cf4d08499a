package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/auth"
	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/logging"
)

// BonusGranter credits an agent for a successful webhook test
type BonusGranter interface {
	AddCredits(ctx context.Context, agentID string, amount int64, reason, memo string) error
}

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	service   *Service
	bonuses   BonusGranter
	bonus     int64
	client    *http.Client
	testGrant string
}

// NewHandler creates a new webhook handler
func NewHandler(service *Service, bonuses BonusGranter, testBonus int64, testBonusReason string) *Handler {
	return &Handler{
		service:   service,
		bonuses:   bonuses,
		bonus:     testBonus,
		testGrant: testBonusReason,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RegisterRoutes sets up webhook routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.GET("/webhooks/:id", h.Get)
	r.PATCH("/webhooks/:id", h.Update)
	r.DELETE("/webhooks/:id", h.Delete)
	r.GET("/webhooks/:id/deliveries", h.Deliveries)
	r.POST("/webhooks/:id/test", h.Test)
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Webhook belongs to another agent"})
	case errors.Is(err, ErrInvalidURL), errors.Is(err, ErrInvalidEvents):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}

// CreateRequest is the payload for registering a webhook
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// Create handles POST /webhooks
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	sub, secret, err := h.service.Subscribe(c.Request.Context(), auth.GetAuthenticatedAgent(c), req.URL, req.Events)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Taskbay-Signature",
		},
	})
}

// List handles GET /webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.service.List(c.Request.Context(), auth.GetAuthenticatedAgent(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Get handles GET /webhooks/:id
func (h *Handler) Get(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// UpdateRequest is the payload for editing a webhook
type UpdateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

// Update handles PATCH /webhooks/:id
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	sub, err := h.service.Update(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"),
		req.URL, req.Events, req.Active)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Delete handles DELETE /webhooks/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Deliveries handles GET /webhooks/:id/deliveries
func (h *Handler) Deliveries(c *gin.Context) {
	limit := 50
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && v > 0 && v <= 500 {
		limit = v
	}

	deliveries, err := h.service.Deliveries(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}

// Test handles POST /webhooks/:id/test. It sends a synchronous test
// event; the first success earns a small credit bonus.
func (h *Handler) Test(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.GetAuthenticatedAgent(c)

	sub, err := h.service.Get(ctx, agentID, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}

	deliveryID := idgen.WithPrefix("whd_")
	payload, _ := json.Marshal(gin.H{
		"event":     "webhook.test",
		"data":      gin.H{"webhookId": sub.ID, "agentId": agentID},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "test_failed", "message": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskbay-Event", "webhook.test")
	req.Header.Set("X-Taskbay-Delivery", deliveryID)
	req.Header.Set("X-Taskbay-Signature", Sign(payload, sub.Secret))

	resp, err := h.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "test_failed", "message": err.Error()})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "test_failed",
			"message": fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
		})
		return
	}

	granted := false
	if h.bonuses != nil && h.bonus > 0 && !sub.TestBonusGranted {
		sub.TestBonusGranted = true
		if err := h.service.store.UpdateSubscription(ctx, sub); err != nil {
			logging.L(ctx).Warn("failed to record test bonus flag", "webhook", sub.ID, "error", err)
		} else if err := h.bonuses.AddCredits(ctx, agentID, h.bonus, h.testGrant, "webhook test "+sub.ID); err != nil {
			logging.L(ctx).Warn("failed to grant test bonus", "webhook", sub.ID, "error", err)
		} else {
			granted = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "delivered",
		"statusCode":   resp.StatusCode,
		"bonusGranted": granted,
	})
}
