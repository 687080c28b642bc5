package reporting

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmux/testmux/results"
)

func TestTextFormatterOutputIsDeterministic(t *testing.T) {
	report := NewReportBuilder().Build(passFailRun(t))
	f := &TextFormatter{}

	out := f.Format(report)
	assert.Equal(t, out, f.Format(report), "same report renders identically")

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 8)
	assert.Equal(t, "FAIL z.test.js (6ms)", lines[0])
	assert.Equal(t, "└── math (5ms)", lines[1])
	assert.Equal(t, "    ├── ✓ adds (2ms)", lines[2])
	assert.Equal(t, "    └── ✗ divides (3ms)", lines[3])
	assert.Equal(t, "", lines[4])
	assert.Equal(t, "PASS a.test.js (2ms)", lines[5])
}

func TestTextFormatterFailureBlock(t *testing.T) {
	report := NewReportBuilder().Build(passFailRun(t))
	out := (&TextFormatter{}).Format(report)

	assert.Contains(t, out, "Failures:\n\nz.test.js\n")
	assert.Contains(t, out, "  1) math > divides\n")
	assert.Contains(t, out, "     AssertionError: division by zero\n")
	assert.Contains(t, out, "     at z.test.js:9\n")
	assert.Contains(t, out, "     ── stdout ──\n     dividing...\n")
	assert.NotContains(t, out, "── stderr ──", "empty tails are omitted")
	assert.True(t, strings.HasSuffix(out, "2 passed, 1 failed (3 total) in 10ms\n"))
}

func TestTextFormatterSyntheticFailureUsesFileName(t *testing.T) {
	res := passFailRun(t)
	res.Files[1].AddFailure(results.FailureRecord{
		Error: results.ErrorDetail{Name: "WorkerError", Message: "crashed"},
	})

	out := (&TextFormatter{}).Format(NewReportBuilder().Build(res))
	assert.Contains(t, out, "a.test.js\n  1) a.test.js\n", "failures without breadcrumbs fall back to the file name")
	assert.Contains(t, out, "     WorkerError: crashed\n")
}

func TestConsoleSinkWritesReport(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, false)
	require.NoError(t, sink.Consume(NewReportBuilder().Build(passFailRun(t))))

	assert.Contains(t, buf.String(), "FAIL z.test.js")
	assert.Equal(t, "console", sink.Name())
}
