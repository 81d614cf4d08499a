package transactions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/auth"
	"github.com/taskbay/taskbay/internal/ledger"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/validation"
)

// Handler provides HTTP handlers for the transactions API
type Handler struct {
	service *Service
}

// NewHandler creates a new transactions handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Request)
	r.GET("/transactions", h.List)
	r.GET("/transactions/:id", h.Get)
	r.POST("/transactions/:id/accept", h.Accept)
	r.POST("/transactions/:id/reject", h.Reject)
	r.POST("/transactions/:id/start", h.Start)
	r.POST("/transactions/:id/progress", h.UpdateProgress)
	r.POST("/transactions/:id/deliver", h.Deliver)
	r.POST("/transactions/:id/revision", h.RequestRevision)
	r.POST("/transactions/:id/complete", h.Complete)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/dispute", h.Dispute)
}

// respondErr maps state machine errors onto HTTP responses
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found or transition not allowed",
		})
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller), errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSelfDeal):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "self_deal",
			"message": "You cannot request your own listing",
		})
	case errors.Is(err, ErrListingUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "listing_unavailable",
			"message": "Listing is not active",
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": "Not enough credits for this transaction",
		})
	case errors.Is(err, ErrInvalidProgress), errors.Is(err, ErrInvalidRating),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNotEscrowPath):
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

// RequestBody is the payload for creating a transaction
type RequestBody struct {
	ListingID string          `json:"listingId" binding:"required"`
	Amount    *int64          `json:"amount"`
	Input     json.RawMessage `json:"input"`
}

// Request handles POST /transactions
func (h *Handler) Request(c *gin.Context) {
	ctx := c.Request.Context()
	buyer := auth.GetAuthenticatedAgent(c)

	var req RequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if req.Amount != nil {
		if errs := validation.Validate(validation.ValidCredits("amount", *req.Amount)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	txn, err := h.service.Request(ctx, buyer, req.ListingID, req.Amount, req.Input)
	if err != nil {
		respondErr(c, err)
		return
	}

	logging.L(ctx).Info("transaction requested",
		"transaction", txn.ID, "buyer", txn.BuyerID, "seller", txn.SellerID)
	c.JSON(http.StatusCreated, txn)
}

// Get handles GET /transactions/:id
func (h *Handler) Get(c *gin.Context) {
	agent := auth.GetAuthenticatedAgent(c)
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	// Transactions are visible to their two parties only
	if txn.BuyerID != agent && txn.SellerID != agent {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, txn)
}

// List handles GET /transactions (own transactions only)
func (h *Handler) List(c *gin.Context) {
	query := Query{
		AgentID: auth.GetAuthenticatedAgent(c),
		Status:  Status(c.Query("status")),
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && limit > 0 && limit <= 1000 {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && offset >= 0 {
		query.Offset = offset
	}

	txns, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		respondErr(c, err)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// Accept handles POST /transactions/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	txn, err := h.service.Accept(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// Reject handles POST /transactions/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	txn, err := h.service.Reject(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// Start handles POST /transactions/:id/start
func (h *Handler) Start(c *gin.Context) {
	txn, err := h.service.Start(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// ProgressBody is the payload for a progress update
type ProgressBody struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// UpdateProgress handles POST /transactions/:id/progress
func (h *Handler) UpdateProgress(c *gin.Context) {
	var req ProgressBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if errs := validation.Validate(validation.ValidPercent("percent", req.Percent)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.UpdateProgress(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.Percent, req.Message)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// DeliverBody is the payload for delivery
type DeliverBody struct {
	Result json.RawMessage `json:"result"`
}

// Deliver handles POST /transactions/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req DeliverBody
	c.ShouldBindJSON(&req)

	txn, err := h.service.Deliver(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.Result)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// RevisionBody is the payload for a revision request
type RevisionBody struct {
	Reason string `json:"reason"`
}

// RequestRevision handles POST /transactions/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req RevisionBody
	c.ShouldBindJSON(&req)

	txn, err := h.service.RequestRevision(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// CompleteBody is the payload for completion
type CompleteBody struct {
	Rating *int   `json:"rating"`
	Review string `json:"review"`
}

// Complete handles POST /transactions/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteBody
	c.ShouldBindJSON(&req)

	if req.Rating != nil {
		if errs := validation.Validate(validation.ValidRating("rating", *req.Rating)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	txn, err := h.service.Complete(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"), req.Rating, req.Review)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// Cancel handles POST /transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	txn, err := h.service.Cancel(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// Dispute handles POST /transactions/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	txn, err := h.service.Dispute(c.Request.Context(), auth.GetAuthenticatedAgent(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}
