// Package normalize turns every raw inbound request into the canonical
// model.NormalizedRequest. It is the only package that constructs one.
package normalize

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// Overrides are applied after every derived value, so any field set here
// wins over detection and the default table. Invalid enum values and empty
// identifiers are ignored; the output always satisfies IsNormalizedRequest.
type Overrides struct {
	RequestType  *model.RequestType
	Source       *model.Source
	ResponseMode *model.ResponseMode
	Priority     *model.Priority
	NormalizedAt *time.Time
	RequestID    *string
	TraceID      *string
}

// Option configures a single Normalize call.
type Option func(*settings)

type settings struct {
	now       func() time.Time
	newID     func(prefix string) string
	overrides Overrides
}

// WithClock sets the time source used for NormalizedAt.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the identifier generator. Tests use it to make
// generated IDs deterministic.
func WithIDGenerator(gen func(prefix string) string) Option {
	return func(s *settings) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithRequestID keeps a caller-supplied request id instead of minting one.
func WithRequestID(id string) Option {
	return func(s *settings) { s.overrides.RequestID = &id }
}

// WithTraceID keeps a caller-supplied trace id instead of minting one.
func WithTraceID(id string) Option {
	return func(s *settings) { s.overrides.TraceID = &id }
}

// WithOverrides merges o into the overrides applied last. Nil fields in o
// leave earlier overrides untouched.
func WithOverrides(o Overrides) Option {
	return func(s *settings) {
		if o.RequestType != nil {
			s.overrides.RequestType = o.RequestType
		}
		if o.Source != nil {
			s.overrides.Source = o.Source
		}
		if o.ResponseMode != nil {
			s.overrides.ResponseMode = o.ResponseMode
		}
		if o.Priority != nil {
			s.overrides.Priority = o.Priority
		}
		if o.NormalizedAt != nil {
			s.overrides.NormalizedAt = o.NormalizedAt
		}
		if o.RequestID != nil {
			s.overrides.RequestID = o.RequestID
		}
		if o.TraceID != nil {
			s.overrides.TraceID = o.TraceID
		}
	}
}

// Normalize builds a NormalizedRequest from raw. It is total: every input,
// including the zero RawRequest, yields a request with all guaranteed fields
// populated.
//
// Precedence, lowest to highest: the default table for the request type,
// explicit values on raw, then Overrides.
func Normalize(raw model.RawRequest, opts ...Option) model.NormalizedRequest {
	s := settings{now: time.Now, newID: NewID}
	for _, opt := range opts {
		opt(&s)
	}

	rt := DetectRequestType(raw)
	if o := s.overrides.RequestType; o != nil && o.Valid() {
		rt = *o
	}
	defaults := model.DefaultsFor(rt)

	out := model.NormalizedRequest{
		Message:        raw.Message,
		History:        slices.Clone(raw.History),
		ChatID:         raw.ChatID,
		WorkspaceID:    raw.WorkspaceID,
		PersonaID:      raw.PersonaID,
		Model:          raw.Model,
		AuthToken:      raw.AuthToken,
		WebhookPayload: bytes.Clone(raw.WebhookPayload),
		WebhookSecret:  raw.WebhookSecret,
		TaskName:       raw.TaskName,
		TaskConfig:     maps.Clone(raw.TaskConfig),
		AgentID:        raw.AgentID,
		AgentGoal:      raw.AgentGoal,
		AgentContext:   maps.Clone(raw.AgentContext),
		CallbackURL:    raw.CallbackURL,
		SpaceContext:   maps.Clone(raw.SpaceContext),

		RequestType:  rt,
		Source:       deriveSource(raw, rt, defaults),
		ResponseMode: defaults.ResponseMode,
		Priority:     defaults.Priority,
		NormalizedAt: s.now().UTC(),
	}
	if raw.ResponseMode.Valid() {
		out.ResponseMode = raw.ResponseMode
	}
	if raw.Priority.Valid() {
		out.Priority = raw.Priority
	}

	o := s.overrides
	if o.Source != nil && o.Source.Type.Valid() {
		out.Source = cloneSource(*o.Source)
	}
	if o.ResponseMode != nil && o.ResponseMode.Valid() {
		out.ResponseMode = *o.ResponseMode
	}
	if o.Priority != nil && o.Priority.Valid() {
		out.Priority = *o.Priority
	}
	if o.NormalizedAt != nil && !o.NormalizedAt.IsZero() {
		out.NormalizedAt = o.NormalizedAt.UTC()
	}
	if o.RequestID != nil && *o.RequestID != "" {
		out.RequestID = *o.RequestID
	} else {
		out.RequestID = s.newID(RequestIDPrefix)
	}
	if o.TraceID != nil && *o.TraceID != "" {
		out.TraceID = *o.TraceID
	} else {
		out.TraceID = s.newID(TraceIDPrefix)
	}
	return out
}

// DetectRequestType returns the explicit request type when it is valid, and
// otherwise infers one from whichever identifying field is present.
func DetectRequestType(raw model.RawRequest) model.RequestType {
	if raw.RequestType.Valid() {
		return raw.RequestType
	}
	switch {
	case len(raw.WebhookPayload) > 0:
		return model.RequestTypeWebhook
	case raw.TaskName != "":
		return model.RequestTypeSystemTask
	case raw.AgentID != "" || raw.AgentGoal != "":
		return model.RequestTypeAgentAction
	default:
		return model.RequestTypeChat
	}
}

func deriveSource(raw model.RawRequest, rt model.RequestType, d model.RequestDefaults) model.Source {
	if raw.Source != nil && raw.Source.Type.Valid() {
		return cloneSource(*raw.Source)
	}
	src := model.Source{Type: d.SourceType}
	switch rt {
	case model.RequestTypeWebhook:
		if len(raw.WebhookPayload) > 0 {
			src.Metadata = map[string]any{"payload": json.RawMessage(bytes.Clone(raw.WebhookPayload))}
		}
	case model.RequestTypeSystemTask:
		src.Name = raw.TaskName
	case model.RequestTypeAgentAction:
		src.ID = raw.AgentID
	default:
		src.ID = raw.UserID
	}
	return src
}

func cloneSource(s model.Source) model.Source {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}
