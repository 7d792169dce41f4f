package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

func TestDispatcherFunc(t *testing.T) {
	var got model.NormalizedRequest
	var d dispatch.Dispatcher = dispatch.DispatcherFunc(func(_ context.Context, req model.NormalizedRequest) (model.ExecutionResult, error) {
		got = req
		return model.ExecutionResult{Content: "ok"}, nil
	})

	req := normalize.Normalize(model.RawRequest{Message: "hi"})
	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, req.RequestID, got.RequestID)
}

func TestEcho(t *testing.T) {
	req := normalize.Normalize(model.RawRequest{Message: "ping", Model: "gpt-x"})
	res, err := dispatch.Echo.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ping", res.Content)
	assert.Equal(t, "gpt-x", res.Model)
	assert.Equal(t, "chat", res.Routing["requestType"])
	assert.Equal(t, "normal", res.Routing["priority"])
}
