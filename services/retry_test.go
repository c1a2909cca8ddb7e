package services

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rallymigrate/api"
)

func TestRetrier_RecoversTransient(t *testing.T) {
	calls := 0
	err := testRetrier().Do(context.Background(), "create", func() error {
		calls++
		if calls < 3 {
			return &api.RemoteErrors{Op: "create", Errors: []string{"concurrency conflict"}}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_Bounded(t *testing.T) {
	calls := 0
	err := testRetrier().Do(context.Background(), "create", func() error {
		calls++
		return &api.RemoteErrors{Op: "create", Errors: []string{"always"}}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, api.IsRemoteError(err))
	assert.Contains(t, err.Error(), "always")
}

func TestRetrier_FatalNotRetried(t *testing.T) {
	calls := 0
	err := testRetrier().Do(context.Background(), "decode", func() error {
		calls++
		return stderrors.New("invalid json")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := testRetrier().Do(ctx, "create", func() error {
		calls++
		return &api.RemoteErrors{Op: "create", Errors: []string{"x"}}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
