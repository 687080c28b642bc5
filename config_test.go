package testmux

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/testmux/testmux/flags"
)

// buildConfig runs the CLI machinery so flags, env vars and the config file
// all flow through the same path as production.
func buildConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error

	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = NewConfig(ctx, log.New())
		return nil
	}
	require.NoError(t, app.Run(append([]string{"testmux"}, args...)))
	return cfg, cfgErr
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := buildConfig(t, "--worker", "node worker.js", "a.test.js", "b.test.js")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.test.js", "b.test.js"}, cfg.Files)
	assert.Equal(t, []string{"node", "worker.js"}, cfg.WorkerCommand)
	assert.Zero(t, cfg.Concurrency)
	assert.Zero(t, cfg.Timeout, "unset timeout defers to the scheduler default")
	assert.True(t, cfg.ShowProgress)
	assert.False(t, cfg.Monitoring)
}

func TestNewConfigTimeoutIsMilliseconds(t *testing.T) {
	cfg, err := buildConfig(t, "--worker", "w", "--timeout", "250", "a.test.js")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
}

func TestNewConfigRequiresFilesAndWorker(t *testing.T) {
	_, err := buildConfig(t, "--worker", "w")
	assert.ErrorContains(t, err, "no test files")

	_, err = buildConfig(t, "a.test.js")
	assert.ErrorContains(t, err, "worker command is required")
}

func TestNewConfigWorkerFromEnv(t *testing.T) {
	t.Setenv("TESTMUX_WORKER", "node worker.js")
	cfg, err := buildConfig(t, "a.test.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "worker.js"}, cfg.WorkerCommand)
}

func TestNewConfigYAMLFallbackAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker: "node worker.js"
files:
  - from-yaml.test.js
concurrency: 4
timeout: 9000
reportDir: /tmp/reports
`), 0644))

	cfg, err := buildConfig(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"from-yaml.test.js"}, cfg.Files)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 9*time.Second, cfg.Timeout)
	assert.Equal(t, "/tmp/reports", cfg.ReportDir)

	// Flags and args beat the file.
	cfg, err = buildConfig(t, "--config", path, "--concurrency", "2", "cli.test.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"cli.test.js"}, cfg.Files)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, []string{"node", "worker.js"}, cfg.WorkerCommand, "worker still comes from the file")
}

func TestNewConfigRejectsUnreadableConfigFile(t *testing.T) {
	_, err := buildConfig(t, "--config", "/does/not/exist.yaml", "a.test.js")
	assert.ErrorContains(t, err, "reading config file")
}
