package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Sink receives a finished run's report. Sinks must tolerate being called
// exactly once per run.
type Sink interface {
	Consume(report *Report) error
	Name() string
}

// TextFormatter renders a Report as plain text. With Colorize set, pass/fail
// markers and file verdicts are wrapped in ANSI colors.
type TextFormatter struct {
	Colorize bool
}

// Format renders the full report: one section per file in dispatch order,
// the flat failure list, and the summary line.
func (tf *TextFormatter) Format(r *Report) string {
	var b strings.Builder

	for _, f := range r.Files {
		verdict := tf.pass("PASS")
		if !f.Passed {
			verdict = tf.fail("FAIL")
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", verdict, f.Name, FormatDuration(f.Duration))
		for _, line := range f.Lines {
			if line.IsSuite {
				fmt.Fprintf(&b, "%s%s (%s)\n", line.Prefix, line.Desc, FormatDuration(line.Duration))
				continue
			}
			mark := tf.pass("✓")
			if !line.Passed {
				mark = tf.fail("✗")
			}
			fmt.Fprintf(&b, "%s%s %s (%s)\n", line.Prefix, mark, line.Desc, FormatDuration(line.Duration))
		}
		b.WriteByte('\n')
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "%s\n\n", tf.fail("Failures:"))
		n := 0
		for _, group := range r.Failures {
			fmt.Fprintf(&b, "%s\n", group.File)
			for _, rec := range group.Records {
				n++
				crumb := strings.Join(rec.Breadcrumbs, " > ")
				if crumb == "" {
					crumb = group.Name()
				}
				fmt.Fprintf(&b, "  %d) %s\n", n, crumb)
				fmt.Fprintf(&b, "     %s\n", rec.Error.String())
				if rec.Error.Stack != "" {
					for _, sl := range strings.Split(strings.TrimRight(rec.Error.Stack, "\n"), "\n") {
						fmt.Fprintf(&b, "     %s\n", sl)
					}
				}
				writeTail(&b, "stdout", rec.Stdout)
				writeTail(&b, "stderr", rec.Stderr)
			}
			b.WriteByte('\n')
		}
	}

	b.WriteString(r.Summary())
	b.WriteByte('\n')
	return b.String()
}

// Name returns the group's display name for records with no breadcrumbs.
func (g FailureGroup) Name() string {
	return g.File
}

func writeTail(b *strings.Builder, label, tail string) {
	if tail == "" {
		return
	}
	fmt.Fprintf(b, "     ── %s ──\n", label)
	for _, line := range strings.Split(strings.TrimRight(tail, "\n"), "\n") {
		fmt.Fprintf(b, "     %s\n", line)
	}
}

func (tf *TextFormatter) pass(s string) string {
	if tf.Colorize {
		return color.GreenString(s)
	}
	return s
}

func (tf *TextFormatter) fail(s string) string {
	if tf.Colorize {
		return color.RedString(s)
	}
	return s
}

// ConsoleSink writes the formatted report to a terminal or any writer.
type ConsoleSink struct {
	w         io.Writer
	formatter *TextFormatter
}

// NewConsoleSink creates a sink writing to w.
func NewConsoleSink(w io.Writer, colorize bool) *ConsoleSink {
	return &ConsoleSink{w: w, formatter: &TextFormatter{Colorize: colorize}}
}

func (s *ConsoleSink) Consume(report *Report) error {
	_, err := io.WriteString(s.w, s.formatter.Format(report))
	return err
}

func (s *ConsoleSink) Name() string { return "console" }
