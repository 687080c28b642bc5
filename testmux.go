// Package testmux wires the scheduler, reporting and monitoring pieces into
// one application: run every given test file across a bounded pool of worker
// processes and turn the outcome into a report and an exit code.
package testmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"

	"github.com/testmux/testmux/metrics"
	"github.com/testmux/testmux/reporting"
	"github.com/testmux/testmux/results"
	"github.com/testmux/testmux/scheduler"
)

// App runs one test run end to end.
type App struct {
	cfg     *Config
	version string
	out     io.Writer
	sinks   []reporting.Sink

	running atomic.Bool
	cancel  context.CancelFunc
	result  *results.RunResult
}

// New creates the application. Sinks beyond the console are attached
// according to the config (report directory, NATS URL).
func New(cfg *Config, version string) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}

	cfg.Log.Debug("creating testmux",
		"files", len(cfg.Files),
		"worker", cfg.WorkerCommand,
		"concurrency", cfg.Concurrency,
		"timeout", cfg.Timeout)

	a := &App{
		cfg:     cfg,
		version: version,
		out:     os.Stdout,
	}

	colorize := isTerminal(os.Stdout)
	a.sinks = append(a.sinks, reporting.NewConsoleSink(a.out, colorize))
	if cfg.ReportDir != "" {
		a.sinks = append(a.sinks, reporting.NewFileSink(cfg.ReportDir))
	}
	if cfg.NATSURL != "" {
		sink, err := reporting.NewNATSSinkFromURL(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, fmt.Errorf("attaching NATS sink: %w", err)
		}
		a.sinks = append(a.sinks, sink)
	}
	return a, nil
}

// Start runs the whole test run and blocks until it finishes. The returned
// error is nil when every test passed, a TestFailureError when tests failed,
// and a RuntimeError for anything operational.
func (a *App) Start(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.cfg.Log.Error("panic during run", "panic", r)
			err = NewRuntimeError(fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()
	a.running.Store(true)
	defer a.running.Store(false)

	a.cfg.Log.Info("starting run", "version", a.version, "files", len(a.cfg.Files))

	progress := scheduler.NewNoOpProgress()
	if a.cfg.ShowProgress && isTerminal(os.Stdout) {
		progress = scheduler.NewTerminalProgress(os.Stdout, int(os.Stdout.Fd()))
	}

	coord, err := scheduler.NewCoordinator(scheduler.Config{
		Files:         a.cfg.Files,
		WorkerCommand: a.cfg.WorkerCommand,
		Concurrency:   a.cfg.Concurrency,
		TestTimeout:   a.cfg.Timeout,
		ConnectGrace:  a.cfg.ConnectGrace,
		ExitGrace:     a.cfg.ExitGrace,
		TailBytes:     a.cfg.TailBytes,
		Log:           a.cfg.Log,
		Progress:      progress,
	})
	if err != nil {
		return NewRuntimeError(fmt.Errorf("creating coordinator: %w", err))
	}

	res, err := coord.Run(ctx)
	if err != nil {
		return NewRuntimeError(err)
	}
	a.result = res

	report := reporting.NewReportBuilder().
		WithPassingHidden(a.cfg.HidePassing).
		Build(res)

	a.printResultsTable(res)
	for _, sink := range a.sinks {
		if err := sink.Consume(report); err != nil {
			a.cfg.Log.Error("report sink failed", "sink", sink.Name(), "err", err)
			metrics.RecordErrorDetails("report sink failed", err)
		}
	}

	metrics.RecordRun(res.RunID, res.Passed(), report.Stats.Total, report.Stats.Failed, res.Duration())
	a.cfg.Log.Info("run completed", "run_id", res.RunID, "passed", res.Passed())

	if !res.Passed() {
		return NewTestFailureError(report.Summary())
	}
	return nil
}

// Stop cancels an in-flight run.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// Stopped reports whether no run is in flight.
func (a *App) Stopped() bool {
	return !a.running.Load()
}

// Result returns the last finished run, nil before the first one completes.
func (a *App) Result() *results.RunResult {
	return a.result
}

// printResultsTable renders the per-file summary table.
func (a *App) printResultsTable(res *results.RunResult) {
	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.SetTitle(fmt.Sprintf("Test Run Results (%s)", reporting.FormatDuration(res.Duration())))

	t.AppendHeader(table.Row{"File", "Duration", "Tests", "Passed", "Failed", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "File", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
	})

	totalTests, totalPassed, totalFailed := 0, 0, 0
	for _, f := range res.Files {
		passed, failed := fileTestCounts(f)
		totalTests += passed + failed
		totalPassed += passed
		totalFailed += failed
		t.AppendRow(table.Row{
			f.Name,
			reporting.FormatDuration(f.Ended.Sub(f.Started)),
			passed + failed,
			passed,
			failed,
			verdictString(f.Passed),
		})
	}

	if res.Passed() {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		reporting.FormatDuration(res.Duration()),
		totalTests,
		totalPassed,
		totalFailed,
		verdictString(res.Passed()),
	})
	t.Render()
}

// fileTestCounts tallies settled test nodes. Files that failed before any
// test opened contribute nothing here; their failure still shows in Status.
func fileTestCounts(f *results.FileReport) (passed, failed int) {
	for i := 0; i < f.Len(); i++ {
		n := f.Node(results.NodeID(i))
		if n.Kind != results.NodeTest {
			continue
		}
		if n.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

func verdictString(passed bool) string {
	if passed {
		return "✓ pass"
	}
	return "✗ fail"
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
