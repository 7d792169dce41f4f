package ingress

import (
	"maps"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// APIInput is a direct API submission.
type APIInput struct {
	Message      string
	History      []model.ChatMessage
	ChatID       string
	WorkspaceID  string
	PersonaID    string
	Model        string
	ResponseMode model.ResponseMode
	Priority     model.Priority
	CallbackURL  string

	// UserID is the authenticated caller; ClientName is free-form.
	UserID     string
	ClientName string

	// APIKey is the credential the caller presented, if any. It is never
	// copied into the request; only its presence is recorded.
	APIKey   string
	Metadata map[string]any
}

// credentialKeys are metadata keys whose values are replaced by Redacted.
var credentialKeys = []string{"api_key", "apikey", "authorization", "token", "secret", "password"}

// API normalizes a direct API submission. Response mode defaults to batch
// and priority to normal unless the caller chose valid values.
func API(in APIInput, opts ...normalize.Option) (model.NormalizedRequest, error) {
	if strings.TrimSpace(in.Message) == "" {
		return model.NormalizedRequest{}, ErrMessageRequired
	}

	meta := redactMetadata(in.Metadata)
	if in.APIKey != "" {
		meta["api_key"] = Redacted
	}
	meta["channel"] = ChannelAPI

	mode := model.ResponseBatch
	if in.ResponseMode.Valid() {
		mode = in.ResponseMode
	}
	prio := model.PriorityNormal
	if in.Priority.Valid() {
		prio = in.Priority
	}

	raw := model.RawRequest{
		Message:      in.Message,
		History:      in.History,
		ChatID:       in.ChatID,
		WorkspaceID:  in.WorkspaceID,
		PersonaID:    in.PersonaID,
		UserID:       in.UserID,
		Model:        in.Model,
		CallbackURL:  in.CallbackURL,
		RequestType:  model.RequestTypeAPICall,
		Source:       &model.Source{Type: model.SourceAPI, ID: in.UserID, Name: in.ClientName, Metadata: meta},
		ResponseMode: mode,
		Priority:     prio,
	}
	return normalize.Normalize(raw, opts...), nil
}

// redactMetadata copies m, replacing the value of any credential-looking key.
func redactMetadata(m map[string]any) map[string]any {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string]any, 2)
	}
	for k := range out {
		lk := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		for _, ck := range credentialKeys {
			if lk == ck || strings.HasSuffix(lk, "_"+ck) {
				out[k] = Redacted
				break
			}
		}
	}
	return out
}
