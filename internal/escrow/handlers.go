package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/auth"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/validation"
)

// Handler provides HTTP handlers for the escrow API
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows/:id", h.Get)
	r.GET("/escrows/:id/events", h.Events)
	r.POST("/escrows/:id/fund", h.Fund)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/dispute", h.Dispute)
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found or transition not allowed",
		})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_exists",
			"message": "Transaction already has an escrow",
		})
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller), errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotEscrowPath), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTxHash):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}

// CreateBody is the payload for opening an escrow
type CreateBody struct {
	TransactionID string `json:"transactionId" binding:"required"`
	Chain         string `json:"chain"`
	AmountUSD     string `json:"amountUsd" binding:"required"`
	BuyerAddress  string `json:"buyerAddress" binding:"required"`
	SellerAddress string `json:"sellerAddress" binding:"required"`
}

// Create handles POST /escrows
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyerAddress", req.BuyerAddress),
		validation.ValidAddress("sellerAddress", req.SellerAddress),
		validation.ValidAmount("amountUsd", req.AmountUSD),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Create(ctx, auth.GetAuthenticatedAgent(c),
		req.TransactionID, req.Chain, req.AmountUSD, req.BuyerAddress, req.SellerAddress)
	if err != nil {
		respondErr(c, err)
		return
	}

	logging.L(ctx).Info("escrow created",
		"escrow", e.ID, "transaction", e.TransactionID, "amount", e.AmountUSDC)
	c.JSON(http.StatusCreated, e)
}

// Get handles GET /escrows/:id
func (h *Handler) Get(c *gin.Context) {
	agent := auth.GetAuthenticatedAgent(c)
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if e.BuyerID != agent && e.SellerID != agent {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// Events handles GET /escrows/:id/events
func (h *Handler) Events(c *gin.Context) {
	agent := auth.GetAuthenticatedAgent(c)
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if e.BuyerID != agent && e.SellerID != agent {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	events, err := h.service.Events(c.Request.Context(), e.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// TxHashBody carries an on-chain transaction reference
type TxHashBody struct {
	TxHash string `json:"txHash"`
}

// Fund handles POST /escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req TxHashBody
	if err := c.ShouldBindJSON(&req); err != nil || req.TxHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "txHash is required"})
		return
	}

	e, err := h.service.Fund(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.TxHash)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Release handles POST /escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req TxHashBody
	c.ShouldBindJSON(&req)

	e, err := h.service.Release(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.TxHash)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Refund handles POST /escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req TxHashBody
	c.ShouldBindJSON(&req)

	e, err := h.service.Refund(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.TxHash)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Dispute handles POST /escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	e, err := h.service.Dispute(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
