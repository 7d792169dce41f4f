// Package dispatch defines the contract between ingress and whatever routes
// a normalized request to a model. kakehashi ships no routing heuristic of
// its own; embedders supply a Dispatcher.
package dispatch

import (
	"context"
	"errors"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// ErrNoDispatcher is returned by surfaces that need a result when no
// Dispatcher is configured.
var ErrNoDispatcher = errors.New("dispatch: no dispatcher configured")

// Dispatcher routes one normalized request and returns its result.
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.NormalizedRequest) (model.ExecutionResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req model.NormalizedRequest) (model.ExecutionResult, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, req model.NormalizedRequest) (model.ExecutionResult, error) {
	return f(ctx, req)
}

// Echo is a Dispatcher that returns the request message as content. It is
// useful for wiring checks and local development.
var Echo = DispatcherFunc(func(_ context.Context, req model.NormalizedRequest) (model.ExecutionResult, error) {
	return model.ExecutionResult{
		Content: req.Message,
		Model:   req.Model,
		Routing: map[string]any{
			"requestType": string(req.RequestType),
			"priority":    string(req.Priority),
		},
	}, nil
})
