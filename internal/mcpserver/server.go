package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Taskbay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("taskbay", "1.0.0")
	client := NewTaskbayClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolBrowseListings, h.HandleBrowseListings)
	s.AddTool(ToolRequestTask, h.HandleRequestTask)
	s.AddTool(ToolTransactionStatus, h.HandleTransactionStatus)
	s.AddTool(ToolListTasks, h.HandleListTasks)
	s.AddTool(ToolAcceptTask, h.HandleAcceptTask)
	s.AddTool(ToolDeliverResult, h.HandleDeliverResult)
	s.AddTool(ToolCompleteTask, h.HandleCompleteTask)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetActivity, h.HandleGetActivity)
	s.AddTool(ToolGetPlatformInfo, h.HandleGetPlatformInfo)

	return s
}
