// Package scheduler coordinates a run: it owns the loopback listener, the
// file queue, the worker pool, hang detection, and shutdown ordering.
//
// All mutable run state lives behind a single event loop. Connection readers,
// process waiters and the tick timer never touch it directly; they deliver
// events into the loop's channel, which preserves a single logical thread of
// control without locking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testmux/testmux/capture"
	"github.com/testmux/testmux/metrics"
	"github.com/testmux/testmux/protocol"
	"github.com/testmux/testmux/results"
)

// Defaults applied by NewCoordinator when the corresponding Config field is
// zero.
const (
	DefaultTestTimeout  = 5 * time.Second
	DefaultConnectGrace = 5 * time.Second
	DefaultExitGrace    = 1 * time.Second
	DefaultTickInterval = 66 * time.Millisecond // ~15Hz
)

// Config holds configuration for creating a new Coordinator.
type Config struct {
	// Files are the test files to run, dequeued FIFO.
	Files []string

	// WorkerCommand is the argv used to launch each worker. The assigned
	// file, worker id and coordinator port travel via environment.
	WorkerCommand []string

	// Concurrency bounds the worker pool. Zero means the number of logical
	// processors; the value is always clamped to the file count.
	Concurrency int

	// TestTimeout is the hang budget between protocol messages, unless a
	// start message carries its own.
	TestTimeout time.Duration

	// ConnectGrace bounds the time between spawning a worker and its ready
	// handshake.
	ConnectGrace time.Duration

	// ExitGrace bounds how long a completed worker's process may linger
	// before it is force-killed and an improper-cleanup failure recorded.
	ExitGrace time.Duration

	// TailBytes caps each worker's retained stdout/stderr tail.
	TailBytes int

	TickInterval time.Duration

	Log      log.Logger
	Progress ProgressRenderer

	// Spawn launches worker processes. Defaults to NewExecSpawner over
	// WorkerCommand; tests substitute in-process fakes.
	Spawn SpawnFunc
}

// Coordinator drains a file queue through a bounded pool of worker processes
// and accumulates their results. A Coordinator runs once; construct a new one
// per run.
type Coordinator struct {
	cfg         Config
	log         log.Logger
	concurrency int

	listener net.Listener
	port     int

	events  chan event
	done    chan struct{}
	readers sync.WaitGroup

	queue    []string
	slots    map[int]*workerSlot
	conns    map[net.Conn]*workerSlot
	inflight mapset.Set[string]

	nextID         int
	active         int
	spawnedProcs   int
	exitedProcs    int
	completedFiles int
	totalFiles     int

	files []*results.FileReport
	agg   results.RunAggregate

	decoded *xsync.Counter
	tracer  trace.Tracer
	runCtx  context.Context

	fatal error
}

type event interface{}

type messageEvent struct {
	conn net.Conn
	msg  protocol.Message
}

type connClosedEvent struct {
	conn net.Conn
	err  error // nil on clean EOF
}

type acceptErrorEvent struct {
	err error
}

type procExitEvent struct {
	workerID int
	err      error
}

// NewCoordinator creates a coordinator for one run.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Spawn == nil {
		if len(cfg.WorkerCommand) == 0 {
			return nil, errors.New("worker command is required")
		}
		cfg.Spawn = NewExecSpawner(cfg.WorkerCommand)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if cfg.ConnectGrace <= 0 {
		cfg.ConnectGrace = DefaultConnectGrace
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = DefaultExitGrace
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = capture.DefaultMaxBytes
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgress()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if concurrency > len(cfg.Files) {
		concurrency = len(cfg.Files)
	}

	queue := make([]string, len(cfg.Files))
	copy(queue, cfg.Files)

	return &Coordinator{
		cfg:         cfg,
		log:         cfg.Log.New("component", "scheduler"),
		concurrency: concurrency,
		events:      make(chan event, 256),
		done:        make(chan struct{}),
		queue:       queue,
		slots:       make(map[int]*workerSlot),
		conns:       make(map[net.Conn]*workerSlot),
		inflight:    mapset.NewThreadUnsafeSet[string](),
		totalFiles:  len(cfg.Files),
		decoded:     xsync.NewCounter(),
		tracer:      otel.Tracer("testmux/scheduler"),
	}, nil
}

// Port returns the listening port, zero before Run.
func (c *Coordinator) Port() int {
	return c.port
}

// Run executes the whole queue and returns the aggregated result. The error
// return is reserved for transport-fatal conditions (listener failure,
// malformed protocol traffic, acknowledgement write failure) and context
// cancellation; ordinary test failures are reported inside the result.
func (c *Coordinator) Run(ctx context.Context) (*results.RunResult, error) {
	runID := uuid.New().String()
	started := time.Now()
	c.runCtx = ctx

	if c.totalFiles == 0 {
		return &results.RunResult{RunID: runID, Started: started, Ended: started}, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening for workers: %w", err)
	}
	c.listener = ln
	c.port = ln.Addr().(*net.TCPAddr).Port
	c.log.Debug("listening for workers", "port", c.port, "files", c.totalFiles, "concurrency", c.concurrency)

	go c.acceptLoop()

	c.fill()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for !c.finished() && c.fatal == nil {
		select {
		case <-ctx.Done():
			c.fatal = ctx.Err()
		case ev := <-c.events:
			c.handleEvent(ev)
		case now := <-ticker.C:
			c.tick(now)
		}
	}

	// Shutdown ordering: stop accepting new events, close the transport,
	// then make sure no process outlives the run.
	close(c.done)
	_ = c.listener.Close()
	for conn := range c.conns {
		_ = conn.Close()
	}
	for _, s := range c.slots {
		if !s.exited {
			s.kill()
		}
	}
	c.readers.Wait()

	// One final synchronous render so the completion ratio the user sees
	// matches the report that follows.
	c.renderProgress()
	c.cfg.Progress.Finish()

	if c.fatal != nil {
		c.log.Error("run aborted", "err", c.fatal)
		metrics.RecordErrorDetails("run aborted", c.fatal)
		return nil, c.fatal
	}

	c.log.Debug("run drained",
		"files", c.totalFiles,
		"spawned", c.spawnedProcs,
		"messages", c.decoded.Value())

	return &results.RunResult{
		RunID:     runID,
		Files:     c.files,
		Aggregate: c.agg,
		Started:   started,
		Ended:     time.Now(),
	}, nil
}

// finished reports whether every file is accounted for and every spawned
// process has exited. Force kills guarantee the second condition resolves.
func (c *Coordinator) finished() bool {
	return c.completedFiles == c.totalFiles && c.exitedProcs == c.spawnedProcs
}

func (c *Coordinator) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.send(acceptErrorEvent{err: err})
			}
			return
		}
		c.readers.Add(1)
		go c.readConn(conn)
	}
}

func (c *Coordinator) readConn(conn net.Conn) {
	defer c.readers.Done()
	defer conn.Close()

	r := protocol.NewReader(conn, c.decoded)
	for {
		msg, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.send(connClosedEvent{conn: conn})
			} else {
				c.send(connClosedEvent{conn: conn, err: err})
			}
			return
		}
		c.send(messageEvent{conn: conn, msg: msg})
	}
}

// send delivers an event to the loop unless the run is already over.
func (c *Coordinator) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) handleEvent(ev event) {
	switch ev := ev.(type) {
	case messageEvent:
		c.handleMessage(ev.conn, ev.msg)
	case connClosedEvent:
		c.handleConnClosed(ev.conn, ev.err)
	case acceptErrorEvent:
		c.fatal = fmt.Errorf("accepting worker connection: %w", ev.err)
	case procExitEvent:
		c.handleProcExit(ev.workerID, ev.err)
	}
}

func (c *Coordinator) handleMessage(conn net.Conn, msg protocol.Message) {
	now := time.Now()

	s, bound := c.conns[conn]
	if !bound {
		ready, ok := msg.(protocol.Ready)
		if !ok {
			c.fatal = fmt.Errorf("connection sent %s before ready handshake", msg.Kind())
			return
		}
		s, ok = c.slots[ready.WorkerID]
		if !ok || s.conn != nil {
			c.fatal = fmt.Errorf("ready handshake for unknown worker %d", ready.WorkerID)
			return
		}
		c.conns[conn] = s
		s.conn = conn
		s.writer = protocol.NewWriter(conn)
		s.state = stateConnected
		s.budget = c.cfg.TestTimeout
		s.touch(now)
		c.log.Debug("worker connected", "worker", s.id, "file", s.file)
		c.ack(s)
		return
	}
	if s.completed {
		// Late traffic from a worker already accounted for (usually one
		// we killed). Still acked: the worker may be blocked on the ack
		// while flushing its shutdown.
		c.ack(s)
		return
	}

	s.touch(now)

	switch m := msg.(type) {
	case protocol.Ready:
		c.log.Warn("duplicate ready handshake ignored", "worker", s.id)
	case protocol.Module:
		if !s.moduleSeen {
			s.moduleSeen = true
			c.agg.AddModule(m.TestCount, m.SkipCount, m.OnlyCount)
		}
	case protocol.Start:
		c.handleStart(s, m)
	case protocol.End:
		c.handleEnd(s, m)
	case protocol.TestError:
		c.handleTestError(s, m)
	case protocol.Completed:
		c.markCompleted(s, now)
	case protocol.Ack:
		c.fatal = fmt.Errorf("worker %d sent a coordinator-only %s message", s.id, msg.Kind())
		return
	}
	if c.fatal == nil {
		c.ack(s)
	}
}

func (c *Coordinator) handleStart(s *workerSlot, m protocol.Start) {
	parent := results.NoNode
	if len(s.stack) > 0 {
		parent = s.stack[len(s.stack)-1].node
	}
	kind := results.NodeTest
	if m.IsSuite {
		kind = results.NodeSuite
	}
	id := s.report.AddNode(parent, kind, m.Desc, time.UnixMilli(m.Started))
	s.stack = append(s.stack, stackFrame{node: id, savedBudget: s.budget})
	if m.Timeout > 0 {
		s.budget = time.Duration(m.Timeout) * time.Millisecond
	}
	s.state = stateRunning
}

func (c *Coordinator) handleEnd(s *workerSlot, m protocol.End) {
	if len(s.stack) == 0 {
		c.fatal = fmt.Errorf("worker %d sent end with no open node", s.id)
		return
	}
	frame := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.budget = frame.savedBudget

	node := s.report.Node(frame.node)
	s.report.CloseNode(frame.node, time.UnixMilli(m.Ended))
	if node.Kind == results.NodeTest && !node.HasFailed() {
		c.agg.Passed++
	}
	// Each root suite close settles the file's outcomes so far. Files may
	// hold several root suites; the worker follows up with completed once
	// the last one is done.
	if node.Parent == results.NoNode && node.Kind == results.NodeSuite {
		s.report.Finalize(time.UnixMilli(m.Ended))
	}
}

func (c *Coordinator) handleTestError(s *workerSlot, m protocol.TestError) {
	detail := results.ErrorDetail{
		Name:    m.Err.Name,
		Message: m.Err.Message,
		Stack:   m.Err.Stack,
	}
	c.recordFailure(s, detail)
	metrics.RecordWorkerFailure(metrics.FailureKindTest)
	c.log.Debug("test failed", "worker", s.id, "file", s.file, "err", detail.String())
}

// recordFailure attaches a failure to the open test, or synthesizes a
// file-level record when none is open, snapshotting the output tails either
// way.
func (c *Coordinator) recordFailure(s *workerSlot, detail results.ErrorDetail) {
	var crumbs []string
	if t := s.openTest(); t != results.NoNode {
		s.report.MarkFailed(t, &detail)
		crumbs = s.report.Breadcrumbs(t)
	} else {
		crumbs = s.openPath()
	}
	s.report.AddFailure(results.FailureRecord{
		Breadcrumbs: crumbs,
		Error:       detail,
		Stdout:      s.stdout.String(),
		Stderr:      s.stderr.String(),
	})
	c.agg.Failed++
}

// failWorker records a worker-scoped failure and retires the slot. The run
// continues; the freed slot is backfilled from the queue.
func (c *Coordinator) failWorker(s *workerSlot, kind string, detail results.ErrorDetail) {
	c.recordFailure(s, detail)
	metrics.RecordWorkerFailure(kind)
	c.log.Warn("worker failed", "worker", s.id, "file", s.file, "kind", kind, "err", detail.String())
	s.kill()
	c.markCompleted(s, time.Now())
}

// markCompleted retires a slot: the file is finalized, pool accounting is
// updated, and the next queued file (if any) is dispatched.
func (c *Coordinator) markCompleted(s *workerSlot, now time.Time) {
	if s.completed {
		return
	}
	s.completed = true
	s.completedAt = now
	s.state = stateCompleted
	if s.exited {
		s.state = stateExited
	}
	s.report.Finalize(now)

	c.active--
	c.completedFiles++
	c.inflight.Remove(s.report.Name)
	metrics.RecordFileCompleted(s.report.Passed)

	if s.span != nil {
		if !s.report.Passed {
			s.span.SetStatus(codes.Error, "file failed")
		}
		s.span.End()
	}
	c.log.Debug("file completed",
		"worker", s.id,
		"file", s.file,
		"passed", s.report.Passed,
		"progress", fmt.Sprintf("%d/%d", c.completedFiles, c.totalFiles))

	c.fill()
}

// fill keeps the pool saturated: activeWorkers never exceeds the concurrency
// limit, and a slot is backfilled the moment one frees up.
func (c *Coordinator) fill() {
	for c.active < c.concurrency && len(c.queue) > 0 {
		c.spawnNext()
	}
}

func (c *Coordinator) spawnNext() {
	file := c.queue[0]
	c.queue = c.queue[1:]

	now := time.Now()
	id := c.nextID
	c.nextID++

	report := results.NewFileReport(file, filepath.Base(file), now)
	c.files = append(c.files, report)

	s := &workerSlot{
		id:         id,
		file:       file,
		report:     report,
		state:      stateSpawning,
		spawnedAt:  now,
		lastUpdate: now,
		budget:     c.cfg.ConnectGrace,
		stdout:     capture.NewBuffer(c.cfg.TailBytes),
		stderr:     capture.NewBuffer(c.cfg.TailBytes),
	}
	c.slots[id] = s
	c.active++
	c.inflight.Add(report.Name)

	_, s.span = c.tracer.Start(c.runCtx, "worker_file",
		trace.WithAttributes(
			attribute.String("file", file),
			attribute.Int("worker_id", id),
		))

	proc, err := c.cfg.Spawn(c.runCtx, WorkerSpec{
		ID:     id,
		File:   file,
		Port:   c.port,
		Stdout: s.stdout,
		Stderr: s.stderr,
	})
	if err != nil {
		s.exited = true
		c.failWorker(s, metrics.FailureKindSpawn, results.ErrorDetail{
			Name:    "SpawnError",
			Message: err.Error(),
		})
		return
	}
	s.proc = proc
	c.spawnedProcs++
	metrics.RecordWorkerSpawned()
	c.log.Debug("worker spawned", "worker", id, "file", file)

	go func() {
		c.send(procExitEvent{workerID: id, err: proc.Wait()})
	}()
}

func (c *Coordinator) handleConnClosed(conn net.Conn, err error) {
	s, bound := c.conns[conn]
	delete(c.conns, conn)
	if !bound {
		// A connection that never completed the handshake; the connect
		// grace period accounts for the worker itself.
		return
	}
	if err != nil && protocol.IsMalformed(err) {
		c.fatal = fmt.Errorf("worker %d: %w", s.id, err)
		return
	}
	if s.completed {
		return
	}
	detail := results.ErrorDetail{
		Name:    "SocketError",
		Message: "connection closed before completion",
	}
	if err != nil {
		detail.Message = fmt.Sprintf("connection lost: %v", err)
	}
	c.failWorker(s, metrics.FailureKindSocket, detail)
}

func (c *Coordinator) handleProcExit(workerID int, err error) {
	s, ok := c.slots[workerID]
	if !ok {
		return
	}
	s.exited = true
	c.exitedProcs++
	if s.completed {
		s.state = stateExited
		return
	}
	code := exitCode(err)
	msg := fmt.Sprintf("worker exited with code %d before completing", code)
	if err == nil {
		msg = "worker exited before completing"
	}
	c.failWorker(s, metrics.FailureKindCrash, results.ErrorDetail{
		Name:    "WorkerError",
		Message: msg,
	})
	s.state = stateExited
}

// tick drives everything time-based: hang detection, the connect and exit
// grace periods, and the progress line.
func (c *Coordinator) tick(now time.Time) {
	for _, s := range c.slots {
		if !s.completed {
			if now.Sub(s.lastUpdate) > s.budget {
				detail := results.ErrorDetail{
					Name:    "TimeoutError",
					Message: fmt.Sprintf("no progress for %s (budget %s)", now.Sub(s.lastUpdate).Round(time.Millisecond), s.budget),
				}
				if s.state == stateSpawning {
					detail.Message = fmt.Sprintf("worker did not connect within %s", s.budget)
				}
				c.failWorker(s, metrics.FailureKindHang, detail)
			}
			continue
		}
		if !s.exited && !s.graceKill && now.Sub(s.completedAt) > c.cfg.ExitGrace {
			s.graceKill = true
			c.recordFailure(s, results.ErrorDetail{
				Name:    "CleanupError",
				Message: fmt.Sprintf("worker process did not exit within %s of completion", c.cfg.ExitGrace),
			})
			metrics.RecordWorkerFailure(metrics.FailureKindCleanup)
			c.log.Warn("worker lingered after completion; killing", "worker", s.id, "file", s.file)
			s.kill()
		}
	}
	c.renderProgress()
}

func (c *Coordinator) renderProgress() {
	inflight := c.inflight.ToSlice()
	sort.Strings(inflight)
	c.cfg.Progress.Render(c.completedFiles, c.totalFiles, inflight)
}

// ack answers an inbound message. A write failure here is transport-fatal:
// the pacing contract with the worker is broken and no further traffic can
// be trusted.
func (c *Coordinator) ack(s *workerSlot) {
	if s.writer == nil {
		return
	}
	if err := s.writer.WriteMessage(protocol.Ack{}); err != nil {
		c.fatal = fmt.Errorf("acknowledging worker %d: %w", s.id, err)
	}
}
