package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *TaskbayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *TaskbayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleBrowseListings searches the marketplace.
func (h *Handlers) HandleBrowseListings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	priceType := req.GetString("price_type", "")
	seller := req.GetString("seller", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.BrowseListings(ctx, priceType, seller, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to browse listings: %v", err)), nil
	}

	text, err := formatListingList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse listings: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRequestTask creates a transaction against a listing.
func (h *Handlers) HandleRequestTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listingID := req.GetString("listing_id", "")
	if listingID == "" {
		return mcp.NewToolResultError("listing_id is required"), nil
	}

	var input map[string]any
	if raw := req.GetArguments()["input"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			input = m
		}
	}

	raw, err := h.client.RequestTask(ctx, listingID, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request task: %v", err)), nil
	}

	txn, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Task requested.\n"+
			"Transaction ID: %s\n"+
			"Seller: %s\n"+
			"Status: %s\n\n"+
			"The seller must accept before work starts. "+
			"Use transaction_status with this id to follow progress.",
		txn.ID, txn.SellerID, txn.Status)), nil
}

// HandleTransactionStatus fetches one transaction.
func (h *Handlers) HandleTransactionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListTasks lists the agent's transactions.
func (h *Handlers) HandleListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListTransactions(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tasks: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAcceptTask accepts a requested task (seller side).
func (h *Handlers) HandleAcceptTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.TransitionTask(ctx, id, "accept", nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept task: %v", err)), nil
	}

	txn, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Task %s accepted.\nStatus: %s\n\nUse deliver_result when the work is done.",
		txn.ID, txn.Status)), nil
}

// HandleDeliverResult delivers a task result (seller side).
func (h *Handlers) HandleDeliverResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	body := map[string]any{}
	if raw := req.GetArguments()["result"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			body["result"] = m
		}
	}

	raw, err := h.client.TransitionTask(ctx, id, "deliver", body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to deliver result: %v", err)), nil
	}

	txn, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Result delivered for task %s.\nStatus: %s\n\nThe buyer completes the task to release payment.",
		txn.ID, txn.Status)), nil
}

// HandleCompleteTask completes a task and settles payment (buyer side).
func (h *Handlers) HandleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	body := map[string]any{}
	if rating := req.GetInt("rating", 0); rating > 0 {
		body["rating"] = rating
	}
	if review := req.GetString("review", ""); review != "" {
		body["review"] = review
	}

	raw, err := h.client.TransitionTask(ctx, id, "complete", body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete task: %v", err)), nil
	}

	txn, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s completed.\n", txn.ID)
	if txn.AmountCredits > 0 {
		fmt.Fprintf(&sb, "Settled: %d credits to %s\n", txn.AmountCredits, txn.SellerID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance returns the agent's credit balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetActivity returns the agent's activity feed.
func (h *Handlers) HandleGetActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetActivity(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get activity: %v", err)), nil
	}

	text, err := formatActivity(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse activity: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetPlatformInfo returns platform info.
func (h *Handlers) HandleGetPlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPlatformInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

type listingInfo struct {
	ID           string `json:"id"`
	AgentID      string `json:"agentId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	PriceType    string `json:"priceType"`
	PriceCredits int64  `json:"priceCredits"`
	PriceUSD     int64  `json:"priceUsd"`
}

func formatListingList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Listings []listingInfo `json:"listings"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", fmt.Errorf("unexpected listings response format")
	}
	if len(wrapper.Listings) == 0 {
		return "No listings found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d listing(s):\n\n", len(wrapper.Listings))
	for i, l := range wrapper.Listings {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, l.Title, l.ID)
		fmt.Fprintf(&sb, "   Price: %s\n", formatPrice(l))
		fmt.Fprintf(&sb, "   Seller: %s\n", l.AgentID)
		if l.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", l.Description)
		}
		if i < len(wrapper.Listings)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatPrice(l listingInfo) string {
	if l.PriceType == "usdc" {
		return fmt.Sprintf("%d.%02d USDC (escrow)", l.PriceUSD/100, l.PriceUSD%100)
	}
	return fmt.Sprintf("%d credits", l.PriceCredits)
}

type transactionInfo struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	ListingID       string          `json:"listingId"`
	Method          string          `json:"method"`
	AmountCredits   int64           `json:"amountCredits"`
	EscrowID        string          `json:"escrowId"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progressMessage"`
	Output          json.RawMessage `json:"output"`
}

func parseTransaction(raw json.RawMessage) (transactionInfo, error) {
	var txn transactionInfo
	if err := json.Unmarshal(raw, &txn); err != nil {
		return transactionInfo{}, err
	}
	if txn.ID == "" {
		return transactionInfo{}, fmt.Errorf("no transaction in response: %s", string(raw))
	}
	return txn, nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	txn, err := parseTransaction(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", txn.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", txn.Status)
	fmt.Fprintf(&sb, "  Listing: %s\n", txn.ListingID)
	fmt.Fprintf(&sb, "  Buyer: %s | Seller: %s\n", txn.BuyerID, txn.SellerID)
	if txn.Method == "escrow" {
		fmt.Fprintf(&sb, "  Payment: USDC escrow (%s)\n", txn.EscrowID)
	} else if txn.AmountCredits > 0 {
		fmt.Fprintf(&sb, "  Payment: %d credits\n", txn.AmountCredits)
	}
	if txn.Progress > 0 {
		fmt.Fprintf(&sb, "  Progress: %d%%", txn.Progress)
		if txn.ProgressMessage != "" {
			fmt.Fprintf(&sb, " (%s)", txn.ProgressMessage)
		}
		sb.WriteString("\n")
	}
	if len(txn.Output) > 0 {
		fmt.Fprintf(&sb, "\nResult:\n%s", formatJSON(txn.Output))
	}
	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Transactions []transactionInfo `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", fmt.Errorf("unexpected transactions response format")
	}
	if len(wrapper.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transaction(s):\n\n", len(wrapper.Transactions))
	for i, txn := range wrapper.Transactions {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, txn.ID, txn.Status)
		fmt.Fprintf(&sb, "   Listing: %s | Buyer: %s | Seller: %s\n", txn.ListingID, txn.BuyerID, txn.SellerID)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		AgentID string `json:"agentId"`
		Balance int64  `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return fmt.Sprintf("Balance for %s: %d credits\n", resp.AgentID, resp.Balance), nil
}

func formatActivity(raw json.RawMessage) (string, error) {
	var resp struct {
		Activity []struct {
			Event         string `json:"event"`
			Summary       string `json:"summary"`
			TransactionID string `json:"transactionId"`
			CreatedAt     string `json:"createdAt"`
		} `json:"activity"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected activity response format")
	}
	if len(resp.Activity) == 0 {
		return "No recent activity.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent activity (%d entries):\n\n", len(resp.Activity))
	for _, a := range resp.Activity {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", a.Event, a.Summary, a.TransactionID)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
