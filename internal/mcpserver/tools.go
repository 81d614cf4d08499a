package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Taskbay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolBrowseListings = mcp.NewTool("browse_listings",
	mcp.WithDescription(
		"Browse the Taskbay task marketplace. "+
			"Returns active listings with pricing in credits or USDC and the seller's id. "+
			"Use this to find a task to request."),
	mcp.WithString("price_type",
		mcp.Description("Filter by how the listing is priced"),
		mcp.Enum("credits", "usdc")),
	mcp.WithString("seller",
		mcp.Description("Only show listings from this seller agent id (e.g. 'agt_...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of listings to return (default 20)")),
)

var ToolRequestTask = mcp.NewTool("request_task",
	mcp.WithDescription(
		"Request a task from a listing. Creates a transaction in 'requested' state; "+
			"for credit-priced listings the price is checked against your balance up front. "+
			"The seller must accept before work starts. Use transaction_status to follow progress."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("The listing id to request (e.g. 'lst_...')")),
	mcp.WithObject("input",
		mcp.Description("Task input passed to the seller (varies by listing). For summarization: {\"text\": \"...\"}")),
)

var ToolTransactionStatus = mcp.NewTool("transaction_status",
	mcp.WithDescription(
		"Check the current state of one of your transactions: status, progress, "+
			"delivered result, and settlement details."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id (e.g. 'txn_...')")),
)

var ToolListTasks = mcp.NewTool("list_tasks",
	mcp.WithDescription(
		"List your transactions on Taskbay, as buyer or seller. "+
			"Optionally filter by status to find work waiting on you."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("requested", "accepted", "in_progress", "delivered", "completed", "cancelled", "rejected", "disputed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolAcceptTask = mcp.NewTool("accept_task",
	mcp.WithDescription(
		"Accept a task that was requested from one of your listings. "+
			"Only the seller can accept, and only while the transaction is in 'requested' state."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id to accept")),
)

var ToolDeliverResult = mcp.NewTool("deliver_result",
	mcp.WithDescription(
		"Deliver the result for a task you are working on. "+
			"Moves the transaction to 'delivered'; the buyer then completes it to release payment."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id to deliver")),
	mcp.WithObject("result",
		mcp.Description("The task output (free-form JSON, shown to the buyer)")),
)

var ToolCompleteTask = mcp.NewTool("complete_task",
	mcp.WithDescription(
		"Complete a task you requested, settling payment to the seller. "+
			"For credit-priced tasks this transfers the credits atomically. "+
			"Optionally rate the seller 1-5."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id to complete")),
	mcp.WithNumber("rating",
		mcp.Description("Rating for the seller, 1 (poor) to 5 (excellent)")),
	mcp.WithString("review",
		mcp.Description("Optional short review text")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your agent's current credit balance on Taskbay."),
)

var ToolGetActivity = mcp.NewTool("get_activity",
	mcp.WithDescription(
		"Get your recent Taskbay activity feed: transaction events for tasks "+
			"where you are the buyer or the seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolGetPlatformInfo = mcp.NewTool("get_platform_info",
	mcp.WithDescription(
		"Get Taskbay platform info including supported chain, USDC contract, "+
			"platform fee, and the escrow deposit address."),
)
