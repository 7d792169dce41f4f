// Package mcp exposes kakehashi to MCP-compatible agents.
//
// Agents submit actions through kakehashi_submit, which normalizes them
// like any other channel, and call provider operations through
// kakehashi_external_call, which runs the same permission, credential, and
// classification path as the HTTP endpoint.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/integration"
)

// Server wraps the MCP server with kakehashi's services.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	integrations *integration.Service
	dispatcher   dispatch.Dispatcher
	logger       *slog.Logger
}

// New creates an MCP server with all tools, resources, and prompts
// registered. dispatcher may be nil, in which case submitted actions are
// normalized and returned without being executed.
func New(integrations *integration.Service, dispatcher dispatch.Dispatcher, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		integrations: integrations,
		dispatcher:   dispatcher,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kakehashi",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any, isError bool) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
		IsError: isError,
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
