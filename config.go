package testmux

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/testmux/testmux/flags"
)

// Config holds the application configuration.
type Config struct {
	Files         []string      // Test files, executed in the given order
	WorkerCommand []string      // Argv used to launch each worker
	Concurrency   int           // Worker pool size (0 = logical processors)
	Timeout       time.Duration // Default per-test timeout
	ConnectGrace  time.Duration // Spawn-to-handshake allowance
	ExitGrace     time.Duration // Completed-to-exit allowance
	TailBytes     int           // Retained output tail per worker
	ShowProgress  bool          // Render the live progress line
	HidePassing   bool          // Omit passing tests from the report
	ReportDir     string        // If set, write a gzip report artifact here
	NATSURL       string        // If set, publish a run event here
	NATSSubject   string        // Run event subject override
	Monitoring    bool          // Expose healthz + metrics servers
	Log           log.Logger
}

// fileConfig is the YAML shape of --config. Every field is a fallback: flags
// and environment variables take precedence.
type fileConfig struct {
	Worker       string        `yaml:"worker"`
	Files        []string      `yaml:"files"`
	Concurrency  int           `yaml:"concurrency"`
	TimeoutMS    int           `yaml:"timeout"`
	ConnectGrace time.Duration `yaml:"connectGrace"`
	ExitGrace    time.Duration `yaml:"exitGrace"`
	TailBytes    int           `yaml:"tailBytes"`
	HidePassing  bool          `yaml:"hidePassing"`
	ReportDir    string        `yaml:"reportDir"`
	NATSURL      string        `yaml:"natsUrl"`
	NATSSubject  string        `yaml:"natsSubject"`
}

// NewConfig assembles the configuration with precedence flag > env > YAML
// file > default. Environment variables are covered by the flag definitions,
// so here only set-vs-file-vs-default needs resolving.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	var fc fileConfig
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	files := ctx.Args().Slice()
	if len(files) == 0 {
		files = fc.Files
	}
	if len(files) == 0 {
		return nil, errors.New("no test files given")
	}

	worker := stringValue(ctx, flags.Worker.Name, fc.Worker)
	command := strings.Fields(worker)
	if len(command) == 0 {
		return nil, errors.New("worker command is required (--worker, TESTMUX_WORKER, or the config file)")
	}

	timeoutMS := intValue(ctx, flags.Timeout.Name, fc.TimeoutMS)

	return &Config{
		Files:         files,
		WorkerCommand: command,
		Concurrency:   intValue(ctx, flags.Concurrency.Name, fc.Concurrency),
		Timeout:       time.Duration(timeoutMS) * time.Millisecond,
		ConnectGrace:  durationValue(ctx, flags.ConnectGrace.Name, fc.ConnectGrace),
		ExitGrace:     durationValue(ctx, flags.ExitGrace.Name, fc.ExitGrace),
		TailBytes:     intValue(ctx, flags.TailBytes.Name, fc.TailBytes),
		ShowProgress:  ctx.Bool(flags.Progress.Name),
		HidePassing:   ctx.Bool(flags.HidePassing.Name) || fc.HidePassing,
		ReportDir:     stringValue(ctx, flags.ReportDir.Name, fc.ReportDir),
		NATSURL:       stringValue(ctx, flags.NATSURL.Name, fc.NATSURL),
		NATSSubject:   stringValue(ctx, flags.NATSSubject.Name, fc.NATSSubject),
		Monitoring:    ctx.Bool(flags.Monitoring.Name),
		Log:           logger,
	}, nil
}

func stringValue(ctx *cli.Context, name, fallback string) string {
	if ctx.IsSet(name) || fallback == "" {
		return ctx.String(name)
	}
	return fallback
}

func intValue(ctx *cli.Context, name string, fallback int) int {
	if ctx.IsSet(name) || fallback == 0 {
		return ctx.Int(name)
	}
	return fallback
}

func durationValue(ctx *cli.Context, name string, fallback time.Duration) time.Duration {
	if ctx.IsSet(name) || fallback == 0 {
		return ctx.Duration(name)
	}
	return fallback
}
