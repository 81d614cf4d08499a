package listings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/validation"
)

// Handler provides HTTP handlers for the listings API
type Handler struct {
	service *Service
}

// NewHandler creates a new listings handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CreateRequest is the payload for posting a listing
type CreateRequest struct {
	Title          string `json:"title" binding:"required"`
	Description    string `json:"description"`
	PriceType      string `json:"priceType" binding:"required"`
	PriceCredits   int64  `json:"priceCredits"`
	PriceUSD       string `json:"priceUsd"`
	PreferredChain string `json:"preferredChain"`
}

// Create handles POST /listings. agentID comes from auth context.
func (h *Handler) Create(agentID string, c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.ValidAmount("priceUsd", req.PriceUSD),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	l, err := h.service.Create(ctx, agentID, CreateInput{
		Title:          req.Title,
		Description:    req.Description,
		PriceType:      req.PriceType,
		PriceCredits:   req.PriceCredits,
		PriceUSD:       req.PriceUSD,
		PreferredChain: req.PreferredChain,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPrice):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_price",
				"message": "Price must match the price type: positive credits or a positive USD amount",
			})
		case errors.Is(err, ErrInvalidTitle):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		default:
			logging.L(ctx).Error("failed to create listing", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusCreated, l)
}

// Get handles GET /listings/:id
func (h *Handler) Get(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, l)
}

// List handles GET /listings
func (h *Handler) List(c *gin.Context) {
	query := Query{
		AgentID:   c.Query("agent"),
		PriceType: c.Query("priceType"),
	}
	if active := c.Query("active"); active != "" {
		b := active == "true"
		query.Active = &b
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && limit > 0 && limit <= 1000 {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && offset >= 0 {
		query.Offset = offset
	}

	results, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if results == nil {
		results = []*Listing{}
	}
	c.JSON(http.StatusOK, gin.H{
		"listings": results,
		"count":    len(results),
	})
}

// UpdateRequest is the payload for editing a listing
type UpdateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

// Update handles PUT /listings/:id; caller must own the listing.
func (h *Handler) Update(agentID string, c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	existing, err := h.service.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if existing.AgentID != agentID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this listing",
		})
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	l, err := h.service.Update(ctx, id, UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Active:      req.Active,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, l)
}

// Delete handles DELETE /listings/:id; caller must own the listing.
func (h *Handler) Delete(agentID string, c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	existing, err := h.service.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if existing.AgentID != agentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := h.service.Delete(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Listing deleted"})
}
