// Package reporting turns a finished run into human and machine readable
// output: an indented per-file hierarchy, a flat failure list, and a summary
// line, delivered through pluggable sinks.
package reporting

import (
	"fmt"
	"sort"
	"time"

	"github.com/testmux/testmux/results"
	"github.com/testmux/testmux/ui"
)

// ReportStats contains aggregated statistics for a run.
type ReportStats struct {
	Total    int
	Passed   int
	Failed   int
	Skipped  int
	Only     int
	PassRate float64
}

// TreeLine is one rendered row of a file's suite/test hierarchy.
type TreeLine struct {
	Depth    int
	Prefix   string
	Desc     string
	IsSuite  bool
	Passed   bool
	Duration time.Duration
}

// FileSection is the rendered form of one file's report.
type FileSection struct {
	Name     string
	Path     string
	Passed   bool
	Duration time.Duration
	Lines    []TreeLine
}

// FailureGroup collects a file's failures for the flat list. Groups are
// sorted by file name; records keep their original order within a file.
type FailureGroup struct {
	File    string
	Path    string
	Records []results.FailureRecord
}

// Report contains all structured data needed by any sink.
type Report struct {
	RunID    string
	Stats    ReportStats
	Files    []FileSection
	Failures []FailureGroup
	Duration time.Duration
	Passed   bool
}

// ReportBuilder constructs a Report from a run result.
type ReportBuilder struct {
	showPassing bool
}

// NewReportBuilder creates a builder that includes passing nodes in the
// hierarchy. WithPassingHidden trims the tree down to failures only.
func NewReportBuilder() *ReportBuilder {
	return &ReportBuilder{showPassing: true}
}

// WithPassingHidden controls whether passing nodes appear in file sections.
func (rb *ReportBuilder) WithPassingHidden(hidden bool) *ReportBuilder {
	rb.showPassing = !hidden
	return rb
}

// Build assembles the report. File sections follow dispatch order; the
// failure list is re-grouped by file and sorted by file name so output is
// deterministic regardless of completion order.
func (rb *ReportBuilder) Build(res *results.RunResult) *Report {
	report := &Report{
		RunID:    res.RunID,
		Duration: res.Duration(),
		Passed:   res.Passed(),
		Stats: ReportStats{
			Total:   res.Aggregate.Total,
			Passed:  res.Aggregate.Passed,
			Failed:  res.Aggregate.Failed,
			Skipped: res.Aggregate.Skipped,
			Only:    res.Aggregate.Only,
		},
	}
	if report.Stats.Total > 0 {
		report.Stats.PassRate = float64(report.Stats.Passed) / float64(report.Stats.Total) * 100
	}

	for _, f := range res.Files {
		section := FileSection{
			Name:     f.Name,
			Path:     f.Path,
			Passed:   f.Passed,
			Duration: f.Ended.Sub(f.Started),
		}
		for i, root := range f.Roots {
			rb.appendLines(&section, f, root, 1, i == len(f.Roots)-1, nil)
		}
		report.Files = append(report.Files, section)

		if len(f.Failures) > 0 {
			report.Failures = append(report.Failures, FailureGroup{
				File:    f.Name,
				Path:    f.Path,
				Records: f.Failures,
			})
		}
	}

	sort.SliceStable(report.Failures, func(i, j int) bool {
		return report.Failures[i].File < report.Failures[j].File
	})
	return report
}

// appendLines walks one subtree depth-first, preserving the order nodes were
// opened in.
func (rb *ReportBuilder) appendLines(section *FileSection, f *results.FileReport, id results.NodeID, depth int, isLast bool, parentIsLast []bool) {
	n := f.Node(id)
	passed := n.Passed && !n.HasFailed()
	if !rb.showPassing && passed && n.Kind == results.NodeTest {
		return
	}
	section.Lines = append(section.Lines, TreeLine{
		Depth:    depth,
		Prefix:   ui.BuildTreePrefix(depth, isLast, parentIsLast),
		Desc:     n.Desc,
		IsSuite:  n.Kind == results.NodeSuite,
		Passed:   passed,
		Duration: n.Duration(),
	})
	childParents := append(append([]bool(nil), parentIsLast...), isLast)
	for i, child := range n.Children {
		rb.appendLines(section, f, child, depth+1, i == len(n.Children)-1, childParents)
	}
}

// Summary returns the single-line run summary, e.g.
// "3 passed, 1 failed, 2 skipped (6 total) in 1.2s".
func (r *Report) Summary() string {
	s := fmt.Sprintf("%d passed, %d failed", r.Stats.Passed, r.Stats.Failed)
	if r.Stats.Skipped > 0 {
		s += fmt.Sprintf(", %d skipped", r.Stats.Skipped)
	}
	if r.Stats.Only > 0 {
		s += fmt.Sprintf(", %d only", r.Stats.Only)
	}
	return fmt.Sprintf("%s (%d total) in %s", s, r.Stats.Total, FormatDuration(r.Duration))
}

// FormatDuration renders a duration the way the report does everywhere:
// sub-millisecond values in microseconds, sub-second in milliseconds, and
// everything else in seconds with one decimal.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
