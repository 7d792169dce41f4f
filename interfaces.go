package kakehashi

import (
	"net/http"

	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/model"
)

// NormalizedRequest is the canonical request every ingress channel produces.
type NormalizedRequest = model.NormalizedRequest

// ExecutionResult is what a Dispatcher hands back for one request.
type ExecutionResult = model.ExecutionResult

// Dispatcher routes a normalized request to a model. Kakehashi ships no
// routing of its own; embedders provide one with WithDispatcher.
// Implementations must be safe for concurrent use.
type Dispatcher = dispatch.Dispatcher

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc = dispatch.DispatcherFunc

// Middleware wraps the root HTTP handler.
type Middleware func(http.Handler) http.Handler
