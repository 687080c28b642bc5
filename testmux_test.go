package testmux

import (
	"context"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmux/testmux/reporting"
)

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, "test")
	assert.ErrorContains(t, err, "config is required")
}

func TestAppReportsFailureWhenWorkersNeverConnect(t *testing.T) {
	cfg := &Config{
		Files:         []string{"a.test.js", "b.test.js"},
		WorkerCommand: []string{"true"},
		Log:           log.New(),
	}
	app, err := New(cfg, "test")
	require.NoError(t, err)
	app.out = io.Discard
	app.sinks = []reporting.Sink{reporting.NewConsoleSink(io.Discard, false)}

	// "true" exits without ever dialing back, so every file fails.
	err = app.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.False(t, IsRuntimeError(err))

	res := app.Result()
	require.NotNil(t, res)
	assert.False(t, res.Passed())
	assert.Len(t, res.Files, 2)
	assert.True(t, app.Stopped())
}
