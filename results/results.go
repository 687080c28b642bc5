// Package results models the outcome of a run: a suite/test tree per file,
// run-wide counters, and self-contained failure records.
//
// Each file's tree is an arena of nodes addressed by stable handles. A node
// stores the handle of its parent (or NoNode for a root suite), which keeps
// the parent/child relationship free of pointer cycles and lets callers walk
// either direction cheaply.
package results

import (
	"time"
)

// NodeID is a stable handle into a file's node arena.
type NodeID int

// NoNode is the absent handle, used as the parent of root suites.
const NoNode NodeID = -1

// NodeKind discriminates suites from tests.
type NodeKind int

const (
	NodeSuite NodeKind = iota
	NodeTest
)

func (k NodeKind) String() string {
	if k == NodeSuite {
		return "suite"
	}
	return "test"
}

// ErrorDetail is a structured error attached to a failed test.
type ErrorDetail struct {
	Name    string
	Message string
	Stack   string
}

func (e ErrorDetail) String() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Node is one suite or test in a file's tree.
type Node struct {
	ID       NodeID
	Parent   NodeID
	Kind     NodeKind
	Desc     string
	Started  time.Time
	Ended    time.Time
	Passed   bool
	failed   bool
	Err      *ErrorDetail
	Children []NodeID
}

// HasFailed reports whether a failure was recorded directly against the node.
func (n *Node) HasFailed() bool {
	return n.failed
}

// Duration is the node's elapsed time, zero until the node is closed.
func (n *Node) Duration() time.Duration {
	if n.Ended.IsZero() || n.Started.IsZero() {
		return 0
	}
	return n.Ended.Sub(n.Started)
}

// FailureRecord is an immutable, self-contained description of one failure:
// where it happened, what went wrong, and what the worker had printed around
// that time. The breadcrumb path lists ancestor suite and test names; the
// file name is carried by the owning FileReport, not the breadcrumbs.
type FailureRecord struct {
	Breadcrumbs []string
	Error       ErrorDetail
	Stdout      string
	Stderr      string
}

// FileReport aggregates one input file's results.
type FileReport struct {
	// Path is the file path handed to the worker; Name is the shorter
	// display form used in reports.
	Path string
	Name string

	Started time.Time
	Ended   time.Time
	Passed  bool

	nodes    []Node
	Roots    []NodeID
	Failures []FailureRecord

	finalized bool
}

// NewFileReport creates an empty report for one input file.
func NewFileReport(path, name string, started time.Time) *FileReport {
	return &FileReport{
		Path:    path,
		Name:    name,
		Started: started,
	}
}

// AddNode appends a node under parent (NoNode attaches a root suite) and
// returns its handle.
func (f *FileReport) AddNode(parent NodeID, kind NodeKind, desc string, started time.Time) NodeID {
	id := NodeID(len(f.nodes))
	f.nodes = append(f.nodes, Node{
		ID:      id,
		Parent:  parent,
		Kind:    kind,
		Desc:    desc,
		Started: started,
	})
	if parent == NoNode {
		f.Roots = append(f.Roots, id)
	} else {
		p := &f.nodes[parent]
		p.Children = append(p.Children, id)
	}
	return id
}

// Node returns the node for a handle. The pointer stays valid until the next
// AddNode call.
func (f *FileReport) Node(id NodeID) *Node {
	return &f.nodes[id]
}

// Len returns the number of nodes in the arena.
func (f *FileReport) Len() int {
	return len(f.nodes)
}

// CloseNode stamps the node's end time.
func (f *FileReport) CloseNode(id NodeID, ended time.Time) {
	f.nodes[id].Ended = ended
}

// MarkFailed records that a node (and therefore every ancestor) did not pass.
func (f *FileReport) MarkFailed(id NodeID, detail *ErrorDetail) {
	n := &f.nodes[id]
	n.failed = true
	if detail != nil && n.Err == nil {
		n.Err = detail
	}
}

// AddFailure appends a failure record to the file. A failure arriving after
// finalization (a worker that lingered past its exit grace) still flips the
// file's outcome.
func (f *FileReport) AddFailure(rec FailureRecord) {
	f.Failures = append(f.Failures, rec)
	if f.finalized {
		f.Passed = false
	}
}

// Breadcrumbs returns the names from the outermost ancestor down to and
// including the node itself.
func (f *FileReport) Breadcrumbs(id NodeID) []string {
	var rev []string
	for cur := id; cur != NoNode; cur = f.nodes[cur].Parent {
		rev = append(rev, f.nodes[cur].Desc)
	}
	out := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		out = append(out, rev[i])
	}
	return out
}

// Depth returns how many ancestors a node has.
func (f *FileReport) Depth(id NodeID) int {
	depth := 0
	for cur := f.nodes[id].Parent; cur != NoNode; cur = f.nodes[cur].Parent {
		depth++
	}
	return depth
}

// Finalize stamps the file's end time and settles every node's outcome: a
// node passes when it did not fail and all of its children passed. The file
// passes when no failure was recorded against it. Files can hold several root
// suites, so Finalize may run once per root close; every call re-settles all
// nodes and restamps the end time, so the last call wins.
func (f *FileReport) Finalize(ended time.Time) {
	f.finalized = true
	f.Ended = ended

	// Children always follow their parent in the arena, so one reverse
	// sweep settles leaves before the suites containing them.
	for i := len(f.nodes) - 1; i >= 0; i-- {
		n := &f.nodes[i]
		passed := !n.failed
		for _, c := range n.Children {
			if !f.nodes[c].Passed {
				passed = false
			}
		}
		n.Passed = passed
	}

	f.Passed = len(f.Failures) == 0
	for _, r := range f.Roots {
		if !f.nodes[r].Passed {
			f.Passed = false
		}
	}
}

// Finalized reports whether Finalize has run.
func (f *FileReport) Finalized() bool {
	return f.finalized
}

// RunAggregate holds run-wide counters accumulated from worker messages.
type RunAggregate struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
	Only    int
}

// AddModule folds in one file's declared test counts.
func (a *RunAggregate) AddModule(testCount, skipCount, onlyCount int) {
	a.Total += testCount
	a.Skipped += skipCount
	a.Only += onlyCount
}

// RunResult is everything a run produced, handed to reporting once the
// scheduler drains.
type RunResult struct {
	RunID     string
	Files     []*FileReport
	Aggregate RunAggregate
	Started   time.Time
	Ended     time.Time
}

// Duration is the wall-clock time of the whole run.
func (r *RunResult) Duration() time.Duration {
	return r.Ended.Sub(r.Started)
}

// Passed reports whether every file passed.
func (r *RunResult) Passed() bool {
	return r.Aggregate.Failed == 0
}

// FailureCount returns the total number of failure records across files.
func (r *RunResult) FailureCount() int {
	n := 0
	for _, f := range r.Files {
		n += len(f.Failures)
	}
	return n
}
