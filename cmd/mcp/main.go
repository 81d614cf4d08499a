// Taskbay MCP Server - Exposes Taskbay capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/taskbay/taskbay/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("TASKBAY_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("TASKBAY_API_KEY"),
		AgentID: os.Getenv("TASKBAY_AGENT_ID"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "TASKBAY_API_KEY is required")
		os.Exit(1)
	}
	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "TASKBAY_AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
