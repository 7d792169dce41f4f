package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_RecoversPanic(t *testing.T) {
	err := guard("start redis", func() error { panic("rootless Docker not found") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start redis")
	assert.Contains(t, err.Error(), "rootless Docker not found")
}

func TestGuard_PassesThrough(t *testing.T) {
	assert.NoError(t, guard("x", func() error { return nil }))

	sentinel := errors.New("boom")
	assert.ErrorIs(t, guard("x", func() error { return sentinel }), sentinel)
}

func TestDockerAvailable_NeverPanics(t *testing.T) {
	assert.NotPanics(t, func() { _ = DockerAvailable(context.Background()) })
}

func TestRequireHelpers_SkipWithoutBackends(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		RequireRedis(t, nil)
		t.Fatal("RequireRedis must skip on a nil client")
	})
	t.Run("db", func(t *testing.T) {
		RequireDB(t, nil)
		t.Fatal("RequireDB must skip on a nil database")
	})
}
