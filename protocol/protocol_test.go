package protocol

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_AllKinds(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "ready", msg: Ready{WorkerID: 3}},
		{name: "module", msg: Module{TestCount: 12, SkipCount: 2, OnlyCount: 1}},
		{name: "start suite", msg: Start{Desc: "math operations", IsSuite: true, Started: 1700000000123}},
		{name: "start test with timeout", msg: Start{Desc: "adds numbers", Started: 1700000000125, Timeout: 100}},
		{name: "end", msg: End{IsSuite: true, Started: 1700000000123, Ended: 1700000000255}},
		{name: "error", msg: TestError{
			Err:   ErrorInfo{Name: "AssertionError", Message: "expected 2, got 3", Stack: "at file.test.js:10"},
			Ended: 1700000000300,
		}},
		{name: "completed", msg: Completed{}},
		{name: "ack", msg: Ack{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Encode(tt.msg)
			require.NoError(t, err)
			require.True(t, json.Valid(doc), "encoded message must be valid JSON: %s", doc)

			got, err := Decode(doc)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
			assert.Equal(t, tt.msg.Kind(), got.Kind())
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: "garbage"},
		{name: "missing type", doc: `{"workerId":1}`},
		{name: "unknown type", doc: `{"type":"restart"}`},
		{name: "wrong field type", doc: `{"type":"ready","workerId":"one"}`},
		{name: "truncated document", doc: `{"type":"start","desc":"x`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
		})
	}
}

func TestIsMalformed_FalseForOtherErrors(t *testing.T) {
	assert.False(t, IsMalformed(io.ErrUnexpectedEOF))
	assert.False(t, IsMalformed(nil))
}

func TestReader_SplitAcrossPhysicalReads(t *testing.T) {
	// One message delivered in many tiny reads plus two messages delivered
	// in a single read: framing must not depend on read boundaries.
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		doc, _ := Encode(Start{Desc: "slow arrival", IsSuite: true, Started: 42})
		doc = append(doc, '\n')
		for _, b := range doc {
			_, _ = server.Write([]byte{b})
		}
		two, _ := Encode(End{IsSuite: true, Started: 42, Ended: 43})
		three, _ := Encode(Completed{})
		_, _ = server.Write(append(append(two, '\n'), append(three, '\n')...))
	}()

	counter := xsync.NewCounter()
	r := NewReader(client, counter)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Start{Desc: "slow arrival", IsSuite: true, Started: 42}, first)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, End{IsSuite: true, Started: 42, Ended: 43}, second)

	third, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Completed{}, third)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(3), counter.Value())
}

func TestReader_SkipsBlankLines(t *testing.T) {
	input := "\n" + `{"type":"completed"}` + "\n\n"
	r := NewReader(strings.NewReader(input), nil)

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Completed{}, m)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_StopsOnDecodeError(t *testing.T) {
	input := `{"type":"ready","workerId":1}` + "\n" + `{"type":"detonate"}` + "\n"
	r := NewReader(strings.NewReader(input), nil)

	_, err := r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestWriter_FramesOneDocumentPerLine(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)

	require.NoError(t, w.WriteMessage(Ack{}))
	require.NoError(t, w.WriteMessage(Ready{WorkerID: 7}))

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"ack"}`, lines[0])
	assert.JSONEq(t, `{"type":"ready","workerId":7}`, lines[1])
}

func TestErrorInfo_String(t *testing.T) {
	assert.Equal(t, "TypeError: x is not a function", ErrorInfo{Name: "TypeError", Message: "x is not a function"}.String())
	assert.Equal(t, "plain message", ErrorInfo{Message: "plain message"}.String())
}
