package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kakehashi/internal/integration"
)

const providersURI = "kakehashi://providers"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			providersURI,
			"Providers",
			mcplib.WithResourceDescription("Third-party providers that can be connected and called"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProviders,
	)
}

func (s *Server) providerList() []integration.ProviderSummary {
	if s.integrations == nil {
		return []integration.ProviderSummary{}
	}
	return s.integrations.Providers().Summaries()
}

func (s *Server) handleProviders(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.providerList(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal providers: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      providersURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
