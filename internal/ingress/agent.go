package ingress

import (
	"maps"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// AgentInput is an action submitted by an autonomous agent, for example
// through an MCP tool call.
type AgentInput struct {
	AgentID     string
	AgentName   string
	Goal        string
	Message     string
	Context     map[string]any
	WorkspaceID string

	// OnBehalfOf is the authenticated user the agent acts for.
	OnBehalfOf string

	Priority     model.Priority
	ResponseMode model.ResponseMode
}

// Agent normalizes an agent action. The table defaults (silent, high) apply
// unless the agent chose valid values.
func Agent(in AgentInput, opts ...normalize.Option) (model.NormalizedRequest, error) {
	id := strings.TrimSpace(in.AgentID)
	if id == "" {
		return model.NormalizedRequest{}, ErrAgentIDRequired
	}

	meta := map[string]any{"channel": ChannelAgent}
	if in.OnBehalfOf != "" {
		meta["on_behalf_of"] = in.OnBehalfOf
	}

	raw := model.RawRequest{
		Message:      in.Message,
		WorkspaceID:  in.WorkspaceID,
		UserID:       in.OnBehalfOf,
		AgentID:      id,
		AgentGoal:    in.Goal,
		AgentContext: maps.Clone(in.Context),
		RequestType:  model.RequestTypeAgentAction,
		Source:       &model.Source{Type: model.SourceAgent, ID: id, Name: in.AgentName, Metadata: meta},
		ResponseMode: in.ResponseMode,
		Priority:     in.Priority,
	}
	return normalize.Normalize(raw, opts...), nil
}
