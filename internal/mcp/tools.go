package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kakehashi/internal/authz"
	"github.com/ashita-ai/kakehashi/internal/ctxutil"
	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
)

const (
	toolSubmit       = "kakehashi_submit"
	toolExternalCall = "kakehashi_external_call"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool(toolSubmit,
			mcplib.WithDescription(`Submit an agent action to the orchestration platform.

The action is normalized into a canonical request (request type
agent_action, silent and high priority unless you choose otherwise). If the
platform has an executor configured the result is returned as well.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Your agent identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("goal", mcplib.Description("What the action is meant to achieve")),
			mcplib.WithString("message", mcplib.Description("Free-form instruction or content")),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace the action runs in")),
			mcplib.WithString("priority",
				mcplib.Description("Scheduling priority"),
				mcplib.Enum(string(model.PriorityLow), string(model.PriorityNormal), string(model.PriorityHigh)),
			),
			mcplib.WithString("response_mode",
				mcplib.Description("How the result is delivered"),
				mcplib.Enum(string(model.ResponseStream), string(model.ResponseBatch), string(model.ResponseSilent)),
			),
			mcplib.WithObject("context", mcplib.Description("Opaque context passed to the executor")),
		),
		s.handleSubmit,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(toolExternalCall,
			mcplib.WithDescription(`Call an operation on a connected third-party provider.

The caller's own connection is used unless prefer_workspace is set and the
workspace has one. Failures come back with a code: credential_missing
(connect first), credential_expired (reconnect), scope_insufficient,
rate_limited, or provider_error.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("provider", mcplib.Description("Provider key, e.g. github"), mcplib.Required()),
			mcplib.WithString("operation", mcplib.Description("Operation name configured for the provider"), mcplib.Required()),
			mcplib.WithObject("payload", mcplib.Description("Operation arguments")),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace to act in")),
			mcplib.WithBoolean("prefer_workspace", mcplib.Description("Use the workspace connection when one exists")),
			mcplib.WithArray("required_scopes", mcplib.Description("Scopes the operation needs"), mcplib.WithStringItems()),
			mcplib.WithString("app_item_id", mcplib.Description("Installed app item making the call")),
			mcplib.WithString("app_item_name", mcplib.Description("Display name of the app item")),
			mcplib.WithArray("app_permissions", mcplib.Description("Permissions granted to the app item"), mcplib.WithStringItems()),
		),
		s.handleExternalCall,
	)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	workspaceID := request.GetString("workspace_id", "")
	if !authz.CanAccessWorkspace(claims, workspaceID) {
		return errorResult(fmt.Sprintf("not a member of workspace %q", workspaceID)), nil
	}

	in := ingress.AgentInput{
		AgentID:      request.GetString("agent_id", ""),
		Goal:         request.GetString("goal", ""),
		Message:      request.GetString("message", ""),
		WorkspaceID:  workspaceID,
		OnBehalfOf:   ctxutil.UserIDFromContext(ctx),
		Priority:     model.Priority(request.GetString("priority", "")),
		ResponseMode: model.ResponseMode(request.GetString("response_mode", "")),
	}
	if c, ok := request.GetArguments()["context"].(map[string]any); ok {
		in.Context = c
	}

	req, err := ingress.Agent(in)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp := model.SubmitResponse{Request: req}
	if s.dispatcher != nil {
		res, err := s.dispatcher.Dispatch(ctx, req)
		if err != nil {
			s.logger.Warn("mcp: dispatch failed", "request_id", req.RequestID, "error", err)
			return errorResult(fmt.Sprintf("dispatch failed: %v", err)), nil
		}
		resp.Result = &res
	}
	return jsonResult(resp, false), nil
}

func (s *Server) handleExternalCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.integrations == nil {
		return errorResult("external integrations are not configured"), nil
	}
	userID := ctxutil.UserIDFromContext(ctx)
	if userID == "" {
		return errorResult("authentication required"), nil
	}
	claims := ctxutil.ClaimsFromContext(ctx)

	call := model.ExternalCallRequest{
		ProviderKey:                request.GetString("provider", ""),
		Operation:                  request.GetString("operation", ""),
		WorkspaceID:                request.GetString("workspace_id", ""),
		PreferWorkspaceIntegration: request.GetBool("prefer_workspace", false),
		RequiredScopes:             request.GetStringSlice("required_scopes", nil),
		AppItemID:                  request.GetString("app_item_id", ""),
		AppItemName:                request.GetString("app_item_name", ""),
		AppPermissions:             request.GetStringSlice("app_permissions", nil),
	}
	if call.AppItemID != "" {
		call.AppItemType = "mcp"
	}
	if p, ok := request.GetArguments()["payload"].(map[string]any); ok {
		call.Payload = p
	}
	if err := call.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}
	if !authz.CanAccessWorkspace(claims, call.WorkspaceID) {
		return errorResult(fmt.Sprintf("not a member of workspace %q", call.WorkspaceID)), nil
	}

	res, err := s.integrations.Execute(ctx, model.ExternalOperationRequest{
		AppItem:                    call.AppItem(),
		ActorUserID:                userID,
		WorkspaceID:                call.WorkspaceID,
		ProviderKey:                call.ProviderKey,
		Operation:                  call.Operation,
		Payload:                    call.Payload,
		PreferWorkspaceIntegration: call.PreferWorkspaceIntegration,
		RequiredScopes:             call.RequiredScopes,
	})
	var denial *authz.Denial
	if errors.As(err, &denial) {
		return jsonResult(denial, true), nil
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(res, !res.Success), nil
}
