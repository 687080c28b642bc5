package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "TESTMUX"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	Worker = &cli.StringFlag{
		Name:    "worker",
		Value:   "",
		EnvVars: prefixEnvVars("WORKER"),
		Usage:   "Command used to launch one worker process per test file (eg. 'node worker.js')",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: prefixEnvVars("CONCURRENCY"),
		Usage:   "Number of concurrent workers. 0 uses the number of logical processors, clamped to the file count.",
	}
	Timeout = &cli.IntFlag{
		Name:    "timeout",
		Value:   0,
		EnvVars: prefixEnvVars("TIMEOUT"),
		Usage:   "Default per-test timeout in milliseconds. A test's own timeout takes precedence.",
	}
	ConnectGrace = &cli.DurationFlag{
		Name:    "connect-grace",
		Value:   0,
		EnvVars: prefixEnvVars("CONNECT_GRACE"),
		Usage:   "How long a spawned worker may take to connect before it is treated as hung",
	}
	ExitGrace = &cli.DurationFlag{
		Name:    "exit-grace",
		Value:   0,
		EnvVars: prefixEnvVars("EXIT_GRACE"),
		Usage:   "How long a completed worker may linger before it is force-killed",
	}
	TailBytes = &cli.IntFlag{
		Name:    "tail-bytes",
		Value:   0,
		EnvVars: prefixEnvVars("TAIL_BYTES"),
		Usage:   "Bytes of stdout/stderr retained per worker for failure reports",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVars("CONFIG"),
		Usage:   "Path to a YAML config file. Flags and environment variables take precedence over it.",
	}
	Progress = &cli.BoolFlag{
		Name:    "progress",
		Value:   true,
		EnvVars: prefixEnvVars("PROGRESS"),
		Usage:   "Render the in-flight progress line (disabled automatically when stdout is not a terminal)",
	}
	HidePassing = &cli.BoolFlag{
		Name:    "hide-passing",
		Value:   false,
		EnvVars: prefixEnvVars("HIDE_PASSING"),
		Usage:   "Omit passing tests from the report hierarchy",
	}
	ReportDir = &cli.StringFlag{
		Name:    "report-dir",
		Value:   "",
		EnvVars: prefixEnvVars("REPORT_DIR"),
		Usage:   "Directory to write a gzip report artifact per run",
	}
	NATSURL = &cli.StringFlag{
		Name:    "nats-url",
		Value:   "",
		EnvVars: prefixEnvVars("NATS_URL"),
		Usage:   "NATS server URL to publish run events to",
	}
	NATSSubject = &cli.StringFlag{
		Name:    "nats-subject",
		Value:   "",
		EnvVars: prefixEnvVars("NATS_SUBJECT"),
		Usage:   "Subject for run events (defaults to testmux.run.completed)",
	}
	Monitoring = &cli.BoolFlag{
		Name:    "monitoring",
		Value:   false,
		EnvVars: prefixEnvVars("MONITORING"),
		Usage:   "Expose healthz and Prometheus metrics servers for the duration of the run",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (trace, debug, info, warn, error, crit)",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	Worker,
	Concurrency,
	Timeout,
	ConnectGrace,
	ExitGrace,
	TailBytes,
	ConfigFile,
	Progress,
	HidePassing,
	ReportDir,
	NATSURL,
	NATSSubject,
	Monitoring,
	LogLevel,
}

// Flags is the full flag set of the testmux CLI.
var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

// CheckRequired validates that every required flag was set.
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
