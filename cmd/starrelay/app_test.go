package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/config"
)

func TestStartWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := startWithRetry(context.Background(), "test", func(context.Context) error {
		calls++
		return nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestStartWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := startWithRetry(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("address already in use")
	}, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewAppWiresComponents(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Database.Path = dir + "/starrelay.db"
	cfg.API.MetricsEnabled = true

	a, err := newApp(cfg, serveOptions{configDir: dir, noConsole: true})
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.listener)
	assert.NotNil(t, a.query)
	assert.NotNil(t, a.api)
	assert.NotNil(t, a.metrics)
	assert.Nil(t, a.mqtt)
	assert.Nil(t, a.console)
}
