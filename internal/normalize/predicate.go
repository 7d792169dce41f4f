package normalize

import (
	"time"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// IsNormalizedRequest reports whether v carries all six guaranteed fields
// with valid values: requestType, source (with a known type), responseMode,
// priority, normalizedAt, and both requestId and traceId. It accepts a
// model.NormalizedRequest, a pointer to one, or a decoded JSON object.
//
// This is the only sanctioned check before a request is routed.
func IsNormalizedRequest(v any) bool {
	switch r := v.(type) {
	case model.NormalizedRequest:
		return validRequest(r)
	case *model.NormalizedRequest:
		return r != nil && validRequest(*r)
	case map[string]any:
		return validMap(r)
	default:
		return false
	}
}

func validRequest(r model.NormalizedRequest) bool {
	return r.RequestType.Valid() &&
		r.Source.Type.Valid() &&
		r.ResponseMode.Valid() &&
		r.Priority.Valid() &&
		!r.NormalizedAt.IsZero() &&
		r.RequestID != "" &&
		r.TraceID != ""
}

func validMap(m map[string]any) bool {
	rt, _ := m["requestType"].(string)
	if !model.RequestType(rt).Valid() {
		return false
	}
	src, ok := m["source"].(map[string]any)
	if !ok {
		return false
	}
	st, _ := src["type"].(string)
	if !model.SourceType(st).Valid() {
		return false
	}
	rm, _ := m["responseMode"].(string)
	if !model.ResponseMode(rm).Valid() {
		return false
	}
	p, _ := m["priority"].(string)
	if !model.Priority(p).Valid() {
		return false
	}
	if !validTimestamp(m["normalizedAt"]) {
		return false
	}
	reqID, _ := m["requestId"].(string)
	traceID, _ := m["traceId"].(string)
	return reqID != "" && traceID != ""
}

func validTimestamp(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return err == nil && !parsed.IsZero()
	default:
		return false
	}
}
