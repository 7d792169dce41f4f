package normalize

import "github.com/google/uuid"

// ID prefixes. They make identifiers self-describing in logs.
const (
	RequestIDPrefix = "req"
	TraceIDPrefix   = "trc"
)

// NewID returns prefix + "_" + a UUIDv7. A v7 UUID is a 48-bit millisecond
// timestamp followed by random bits, so IDs sort by creation time and stay
// unique under concurrent generation.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does.
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string { return NewID(RequestIDPrefix) }

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string { return NewID(TraceIDPrefix) }
