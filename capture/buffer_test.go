package capture

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAll(t *testing.T, b *Buffer, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		n, err := b.Write([]byte(c))
		require.NoError(t, err)
		require.Equal(t, len(c), n)
	}
}

func TestBuffer_ContentBelowLimitIsExact(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		chunks []string
	}{
		{name: "single chunk", max: 64, chunks: []string{"hello"}},
		{name: "many small chunks", max: 64, chunks: []string{"a", "bc", "def", "ghij"}},
		{name: "chunk forcing growth", max: 64, chunks: []string{"0123456789", "0123456789"}},
		{name: "exact fill", max: 16, chunks: []string{"0123456789", "ABCDEF"}},
		{name: "empty writes ignored", max: 16, chunks: []string{"", "abc", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(tt.max)
			writeAll(t, b, tt.chunks...)

			var want bytes.Buffer
			for _, c := range tt.chunks {
				want.WriteString(c)
			}
			assert.Equal(t, want.String(), b.String())
			assert.Equal(t, want.Len(), b.Len())
		})
	}
}

func TestBuffer_WraparoundKeepsMostRecentBytes(t *testing.T) {
	b := NewBuffer(16)

	writeAll(t, b, "0123456789", "ABCDEF")
	assert.Equal(t, "0123456789ABCDEF", b.String())

	writeAll(t, b, "Z")
	assert.Equal(t, "123456789ABCDEFZ", b.String(), "oldest byte dropped on wraparound")
	assert.Equal(t, 16, b.Len())
	assert.True(t, b.Truncated())
}

func TestBuffer_OverflowEqualsLogicalTail(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		chunks []string
	}{
		{name: "steady overflow", max: 16, chunks: []string{"0123456789", "0123456789", "0123456789"}},
		{name: "one oversized chunk", max: 16, chunks: []string{"abcdefghijklmnopqrstuvwxyz"}},
		{name: "oversized then small", max: 16, chunks: []string{"abcdefghijklmnopqrstuvwxyz", "01", "2"}},
		{name: "many single bytes", max: 8, chunks: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(tt.max)
			writeAll(t, b, tt.chunks...)

			var all bytes.Buffer
			for _, c := range tt.chunks {
				all.WriteString(c)
			}
			logical := all.Bytes()
			want := logical[len(logical)-tt.max:]

			assert.Equal(t, string(want), b.String())
			assert.Equal(t, tt.max, b.Len())
			assert.True(t, b.Truncated())
		})
	}
}

func TestBuffer_NeverExceedsLimit(t *testing.T) {
	b := NewBuffer(32)
	for i := 0; i < 100; i++ {
		writeAll(t, b, fmt.Sprintf("chunk-%03d;", i))
		assert.LessOrEqual(t, b.Len(), 32)
	}
	assert.Equal(t, int64(1000), b.TotalBytes())
}

func TestBuffer_ResetBehavesLikeFresh(t *testing.T) {
	max := 24
	used := NewBuffer(max)
	writeAll(t, used, "some output that wraps around the ring a few times")
	used.Reset()

	fresh := NewBuffer(max)
	chunks := []string{"hello ", "world, ", "this is the second run of the worker"}
	writeAll(t, used, chunks...)
	writeAll(t, fresh, chunks...)

	assert.Equal(t, fresh.String(), used.String())
	assert.Equal(t, fresh.Len(), used.Len())
}

func TestBuffer_LimitRoundedToMultipleOfEight(t *testing.T) {
	b := NewBuffer(13)
	writeAll(t, b, "0123456789abcdefghij")
	// 13 rounds up to 16
	assert.Equal(t, 16, b.Len())
	assert.Equal(t, "456789abcdefghij", b.String())
}

func TestBuffer_DefaultLimit(t *testing.T) {
	b := NewBuffer(0)
	writeAll(t, b, "anything")
	assert.Equal(t, "anything", b.String())
	assert.False(t, b.Truncated())
}
