package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("use-provider",
			mcplib.WithPromptDescription("How to call a connected provider and recover from its failure codes"),
			mcplib.WithArgument("provider",
				mcplib.ArgumentDescription("Provider key, e.g. github"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleUseProviderPrompt,
	)
}

func (s *Server) handleUseProviderPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	provider := request.Params.Arguments["provider"]
	if provider == "" {
		return nil, fmt.Errorf("provider argument is required")
	}
	if s.integrations != nil {
		if _, ok := s.integrations.Providers().Get(provider); !ok {
			return nil, fmt.Errorf("provider %q is not configured", provider)
		}
	}

	text := fmt.Sprintf(`To act on %[1]s, call %[2]s with provider=%[1]q and an operation
listed in the %[3]s resource.

If the result fails with:
- credential_missing: ask the user to connect %[1]s, then retry.
- credential_expired: the connection was revoked or expired; ask the user to reconnect.
- scope_insufficient: the connection lacks a permission; ask the user to reconnect with more scopes.
- rate_limited: wait before retrying. Nothing retries for you.
- provider_error: report the message; do not retry blindly.`, provider, toolExternalCall, providersURI)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Calling %s through kakehashi", provider),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}
