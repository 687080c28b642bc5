package scheduler

import (
	"fmt"
	"io"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// ProgressRenderer receives periodic snapshots of the run: how many files
// have completed, how many exist, and which are currently in flight.
type ProgressRenderer interface {
	Render(done, total int, inflight []string)
	Finish()
}

// noOpProgress provides a no-op implementation of ProgressRenderer.
type noOpProgress struct{}

// NewNoOpProgress creates a renderer that does nothing. It is used when
// stdout is not a terminal and in tests.
func NewNoOpProgress() ProgressRenderer {
	return &noOpProgress{}
}

func (*noOpProgress) Render(done, total int, inflight []string) {}
func (*noOpProgress) Finish()                                   {}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// terminalProgress redraws a single status line in place: a spinner, the
// completion ratio, and the in-flight file names, truncated to the terminal
// width so the line never wraps into scrollback.
type terminalProgress struct {
	w     io.Writer
	fd    int
	frame int
}

// NewTerminalProgress creates a renderer writing to w. fd is the descriptor
// used for width queries (normally stdout's).
func NewTerminalProgress(w io.Writer, fd int) ProgressRenderer {
	return &terminalProgress{w: w, fd: fd}
}

func (p *terminalProgress) Render(done, total int, inflight []string) {
	width, _, err := term.GetSize(p.fd)
	if err != nil || width <= 0 {
		width = 80
	}

	spin := spinnerFrames[p.frame%len(spinnerFrames)]
	p.frame++

	head := color.CyanString(spin) + " " + color.New(color.Bold).Sprintf("%d/%d", done, total) + " "
	avail := width - 1 - runewidth.StringWidth(stripansi.Strip(head))
	if avail < 0 {
		avail = 0
	}
	names := runewidth.Truncate(strings.Join(inflight, ", "), avail, "…")

	fmt.Fprintf(p.w, "\r\x1b[K%s%s", head, names)
}

// Finish clears the status line so the report starts on a clean row.
func (p *terminalProgress) Finish() {
	fmt.Fprint(p.w, "\r\x1b[K")
}
