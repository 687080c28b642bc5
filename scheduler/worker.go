package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/testmux/testmux/capture"
	"github.com/testmux/testmux/protocol"
	"github.com/testmux/testmux/results"
)

// Environment variables a worker receives at spawn. The parent environment is
// inherited otherwise, with the debug-log variable stripped so worker output
// stays clean.
const (
	EnvWorkerID   = "TESTMUX_WORKER_ID"
	EnvWorkerFile = "TESTMUX_WORKER_FILE"
	EnvWorkerPort = "TESTMUX_WORKER_PORT"
	EnvDebugLog   = "TESTMUX_LOG"
)

// slotState tracks a worker through its lifecycle. Error paths can move a
// slot to stateCompleted from any earlier state.
type slotState int

const (
	stateSpawning slotState = iota
	stateConnected
	stateRunning
	stateCompleted
	stateExited
)

func (s slotState) String() string {
	switch s {
	case stateSpawning:
		return "spawning"
	case stateConnected:
		return "connected"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	default:
		return "exited"
	}
}

// WorkerSpec describes one worker to launch: which file it runs, the id it
// must announce, and the coordinator port it connects back to. Stdout and
// Stderr receive the process output streams.
type WorkerSpec struct {
	ID     int
	File   string
	Port   int
	Stdout *capture.Buffer
	Stderr *capture.Buffer
}

// WorkerProcess is a handle to a launched worker. Wait blocks until the
// process exits and returns a non-nil error for abnormal exits; Kill force
// terminates.
type WorkerProcess interface {
	Wait() error
	Kill() error
}

// SpawnFunc launches a worker process. It is a constructor field so tests can
// substitute in-process fakes for real child processes.
type SpawnFunc func(ctx context.Context, spec WorkerSpec) (WorkerProcess, error)

// execProcess wraps an os/exec child.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// NewExecSpawner returns the default SpawnFunc: it launches command (argv)
// with the worker's file, id and port in the environment.
func NewExecSpawner(command []string) SpawnFunc {
	return func(ctx context.Context, spec WorkerSpec) (WorkerProcess, error) {
		if len(command) == 0 {
			return nil, errors.New("worker command is empty")
		}
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Env = workerEnv(spec)
		cmd.Stdout = spec.Stdout
		cmd.Stderr = spec.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting worker %d for %s: %w", spec.ID, spec.File, err)
		}
		return &execProcess{cmd: cmd}, nil
	}
}

// workerEnv builds the child environment: the parent's, minus the debug-log
// variable, plus the worker coordinates.
func workerEnv(spec WorkerSpec) []string {
	env := make([]string, 0, len(os.Environ())+3)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvDebugLog+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		EnvWorkerID+"="+strconv.Itoa(spec.ID),
		EnvWorkerFile+"="+spec.File,
		EnvWorkerPort+"="+strconv.Itoa(spec.Port),
	)
}

// exitCode extracts the process exit code from a Wait error, -1 if unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// stackFrame is one open node in a worker's suite/test path, together with
// the hang budget that was active before this node started so End can
// restore it.
type stackFrame struct {
	node        results.NodeID
	savedBudget time.Duration
}

// workerSlot is the coordinator's per-worker bookkeeping. It is touched only
// from the scheduler's event loop; the capture buffers are the one exception
// and are internally synchronized.
type workerSlot struct {
	id     int
	file   string
	report *results.FileReport

	proc   WorkerProcess
	conn   net.Conn
	writer *protocol.Writer

	state       slotState
	spawnedAt   time.Time
	lastUpdate  time.Time
	completedAt time.Time

	// budget is the active hang allowance, replaced by a start message's
	// timeout until the matching end.
	budget time.Duration
	stack  []stackFrame

	stdout *capture.Buffer
	stderr *capture.Buffer

	completed  bool
	exited     bool
	killed     bool
	graceKill  bool
	moduleSeen bool

	span trace.Span
}

// openTest returns the innermost open node if it is a test, or NoNode.
func (s *workerSlot) openTest() results.NodeID {
	if len(s.stack) == 0 {
		return results.NoNode
	}
	top := s.stack[len(s.stack)-1].node
	if s.report.Node(top).Kind == results.NodeTest {
		return top
	}
	return results.NoNode
}

// openPath returns the descriptions of all open nodes, outermost first.
func (s *workerSlot) openPath() []string {
	path := make([]string, 0, len(s.stack))
	for _, f := range s.stack {
		path = append(path, s.report.Node(f.node).Desc)
	}
	return path
}

// touch records protocol progress for hang detection.
func (s *workerSlot) touch(now time.Time) {
	s.lastUpdate = now
}

// kill terminates the worker process, once.
func (s *workerSlot) kill() {
	if s.killed || s.proc == nil {
		return
	}
	s.killed = true
	_ = s.proc.Kill()
}
