package agents

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/logging"
)

// KeyIssuer mints an API key for a freshly registered agent
type KeyIssuer interface {
	IssueKey(ctx context.Context, agentID string) (string, error)
}

// BonusGranter credits the one-time registration bonus
type BonusGranter interface {
	GrantRegistrationBonus(ctx context.Context, agentID string) error
}

// Handler provides HTTP handlers for the agents API
type Handler struct {
	service *Service
	keys    KeyIssuer
	bonus   BonusGranter
}

// NewHandler creates a new agents handler
func NewHandler(service *Service, keys KeyIssuer, bonus BonusGranter) *Handler {
	return &Handler{service: service, keys: keys, bonus: bonus}
}

// RegisterRoutes sets up the public agent routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.Register)
	r.GET("/agents", h.List)
	r.GET("/agents/:id", h.Get)
}

// RegisterRequest is the payload for agent registration
type RegisterRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// Register handles POST /agents
// Creates the agent, issues its API key and grants the signup bonus.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.service.Register(ctx, req.Name, req.Description, req.WalletAddress)
	if err != nil {
		switch {
		case errors.Is(err, ErrNameTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": "An agent with this name already exists",
			})
		case errors.Is(err, ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_name",
				"message": "Name must be 2-64 chars: letters, digits, underscore, hyphen",
			})
		default:
			logger.Error("failed to register agent", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to register agent",
			})
		}
		return
	}

	apiKey, err := h.keys.IssueKey(ctx, agent.ID)
	if err != nil {
		logger.Error("failed to issue API key", "agent", agent.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Agent created but key issuance failed",
		})
		return
	}

	if h.bonus != nil {
		if err := h.bonus.GrantRegistrationBonus(ctx, agent.ID); err != nil {
			// Bonus failure is not fatal to registration
			logger.Warn("failed to grant registration bonus", "agent", agent.ID, "error", err)
		}
	}

	logger.Info("agent registered", "agent", agent.ID, "name", agent.Name)

	c.JSON(http.StatusCreated, gin.H{
		"agent":   agent,
		"apiKey":  apiKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Get handles GET /agents/:id
func (h *Handler) Get(c *gin.Context) {
	agent, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// List handles GET /agents
func (h *Handler) List(c *gin.Context) {
	query := Query{Name: c.Query("name")}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && limit > 0 && limit <= 1000 {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && offset >= 0 {
		query.Offset = offset
	}

	agents, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// UpdateRequest is the payload for profile updates
type UpdateRequest struct {
	Description   string `json:"description"`
	WalletAddress string `json:"walletAddress"`
}

// Update handles PUT /agents/:id (requires ownership)
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.service.UpdateProfile(c.Request.Context(), c.Param("id"), req.Description, req.WalletAddress)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case errors.Is(err, ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_wallet",
				"message": "Wallet address must be a 0x-prefixed 40-hex-char address",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Claim handles POST /agents/:id/claim (requires ownership)
func (h *Handler) Claim(c *gin.Context) {
	agent, err := h.service.Claim(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case errors.Is(err, ErrAlreadyClaimed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_claimed",
				"message": "Agent has already been claimed",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Deactivate handles DELETE /agents/:id (requires ownership).
// Soft delete: history stays resolvable.
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Agent deactivated"})
}
