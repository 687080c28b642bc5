package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/testmux/testmux"
	"github.com/testmux/testmux/exitcodes"
	"github.com/testmux/testmux/flags"
	"github.com/testmux/testmux/logging"
	"github.com/testmux/testmux/scheduler"
	"github.com/testmux/testmux/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	// A missing .env is fine; it only supplies TESTMUX_* variables.
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "testmux"
	app.Usage = "Parallel test-file coordinator"
	app.Description = "testmux runs each given test file in its own worker process, bounded by a concurrency limit, and aggregates the results into one report."
	app.ArgsUsage = "FILE [FILE...]"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = exitErrHandler

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		// exitErrHandler maps known error types; reaching here means it
		// declined to exit.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func exitErrHandler(c *cli.Context, err error) {
	var exitErr cli.ExitCoder
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		cli.HandleExitCoder(exitErr)
	case testmux.IsRuntimeError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
	case testmux.IsTestFailureError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
	default:
		// Only a TestFailureError means tests ran and failed; anything
		// unclassified is operational.
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
	}
}

func run(ctx *cli.Context) error {
	logger, closeLog, err := logging.Setup(
		os.Stderr,
		ctx.String(flags.LogLevel.Name),
		os.Getenv(scheduler.EnvDebugLog),
		true,
	)
	if err != nil {
		return testmux.NewRuntimeError(fmt.Errorf("configuring logging: %w", err))
	}
	defer closeLog()

	cfg, err := testmux.NewConfig(ctx, logger)
	if err != nil {
		return testmux.NewRuntimeError(fmt.Errorf("creating config: %w", err))
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName("testmux"),
		otelconfig.WithServiceVersion(Version),
	)
	if err != nil {
		logger.Warn("telemetry disabled", "err", err)
	} else {
		defer otelShutdown()
	}

	if cfg.Monitoring {
		svc := service.New()
		svc.Start(ctx.Context)
		defer svc.Shutdown()
	}

	app, err := testmux.New(cfg, Version)
	if err != nil {
		return testmux.NewRuntimeError(err)
	}
	return app.Start(ctx.Context)
}
