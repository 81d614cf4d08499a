package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/logging"
)

// Handler provides HTTP endpoints for the ledger
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// GetBalance handles GET /agents/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	agentID := c.Param("id")

	balance, err := h.ledger.GetBalance(c.Request.Context(), agentID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get balance", "agent", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agentId": agentID,
		"balance": balance,
	})
}

// GetHistory handles GET /agents/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	agentID := c.Param("id")
	limit := 50
	if l, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), agentID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"agentId": agentID,
		"entries": entries,
		"count":   len(entries),
	})
}

// AdjustRequest is the payload for an operator balance adjustment
type AdjustRequest struct {
	AgentID string `json:"agentId" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
	Memo    string `json:"memo"`
}

// Adjust handles POST /admin/credits (admin only)
func (h *Handler) Adjust(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.ledger.AddCredits(ctx, req.AgentID, req.Amount, ReasonAdjustment, req.Memo); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
			return
		}
		logging.L(ctx).Error("failed to adjust credits", "agent", req.AgentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	logging.L(ctx).Info("credits adjusted", "agent", req.AgentID, "amount", req.Amount)

	balance, _ := h.ledger.GetBalance(ctx, req.AgentID)
	c.JSON(http.StatusOK, gin.H{
		"agentId": req.AgentID,
		"balance": balance,
	})
}
