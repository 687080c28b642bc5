package scheduler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/acarl005/stripansi"
	"github.com/stretchr/testify/assert"
)

func TestTerminalProgressRendersRatioAndInflight(t *testing.T) {
	var buf bytes.Buffer
	p := NewTerminalProgress(&buf, -1) // invalid fd falls back to 80 columns

	p.Render(1, 3, []string{"a.test.js", "b.test.js"})

	line := stripansi.Strip(buf.String())
	assert.True(t, strings.HasPrefix(line, "\r"))
	assert.Contains(t, line, "1/3")
	assert.Contains(t, line, "a.test.js, b.test.js")
}

func TestTerminalProgressTruncatesToWidth(t *testing.T) {
	var buf bytes.Buffer
	p := NewTerminalProgress(&buf, -1)

	long := strings.Repeat("very-long-file-name.test.js, ", 20)
	p.Render(0, 40, []string{strings.TrimSuffix(long, ", ")})

	for _, line := range strings.Split(stripansi.Strip(buf.String()), "\r") {
		assert.LessOrEqual(t, len([]rune(strings.TrimPrefix(line, "\x1b[K"))), 80)
	}
}

func TestTerminalProgressFinishClearsLine(t *testing.T) {
	var buf bytes.Buffer
	p := NewTerminalProgress(&buf, -1)
	p.Render(2, 2, nil)
	p.Finish()
	assert.True(t, strings.HasSuffix(buf.String(), "\r\x1b[K"))
}
