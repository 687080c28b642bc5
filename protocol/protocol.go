// Package protocol defines the messages exchanged between the coordinator and
// its test workers, together with the framing used on the wire.
//
// Each logical message is a single JSON document terminated by a newline, so
// correctness never depends on one message arriving per physical read. Workers
// stream events to the coordinator; the coordinator answers every inbound
// message with an acknowledgement to pace the worker.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Kind discriminates the message union on the wire.
type Kind string

const (
	// Worker to coordinator.
	KindReady     Kind = "ready"
	KindModule    Kind = "module"
	KindStart     Kind = "start"
	KindEnd       Kind = "end"
	KindError     Kind = "error"
	KindCompleted Kind = "completed"

	// Coordinator to worker.
	KindAck Kind = "ack"
)

// Message is the sealed union of wire messages. Exactly one concrete type
// exists per Kind; decoding anything else is an error.
type Message interface {
	Kind() Kind
}

// Ready registers a connected worker. It is the first message a worker sends
// and binds its socket to the worker id it was spawned with.
type Ready struct {
	WorkerID int `json:"workerId"`
}

func (Ready) Kind() Kind { return KindReady }

// Module reports the shape of a loaded test file: how many tests it declares,
// how many are skipped and how many are marked "only". Sent once per file.
type Module struct {
	TestCount int `json:"testCount"`
	SkipCount int `json:"skipCount"`
	OnlyCount int `json:"onlyCount"`
}

func (Module) Kind() Kind { return KindModule }

// Start opens a suite or test node. Started is unix milliseconds. A non-zero
// Timeout (milliseconds) becomes the worker's active hang budget until the
// matching End.
type Start struct {
	Desc    string `json:"desc"`
	IsSuite bool   `json:"isSuite"`
	Started int64  `json:"started"`
	Timeout int64  `json:"timeout,omitempty"`
}

func (Start) Kind() Kind { return KindStart }

// End closes the currently open node. Closing a root suite finalizes the
// file's report.
type End struct {
	IsSuite bool  `json:"isSuite"`
	Started int64 `json:"started"`
	Ended   int64 `json:"ended"`
}

func (End) Kind() Kind { return KindEnd }

// ErrorInfo carries a structured worker-side error.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e ErrorInfo) String() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// TestError reports a failure in the currently open test. It does not
// terminate the worker; subsequent tests in the same file still run.
type TestError struct {
	Err   ErrorInfo `json:"error"`
	Ended int64     `json:"ended"`
}

func (TestError) Kind() Kind { return KindError }

// Completed signals that the worker has no further work.
type Completed struct{}

func (Completed) Kind() Kind { return KindCompleted }

// Ack is the coordinator's response to every inbound message.
type Ack struct{}

func (Ack) Kind() Kind { return KindAck }

// Encode serializes a message as a single JSON document carrying its type tag.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Kind(), err)
	}
	tag := fmt.Sprintf(`{"type":%q`, m.Kind())
	if len(body) == 2 { // empty object
		return []byte(tag + "}"), nil
	}
	return append([]byte(tag+","), body[1:]...), nil
}

// MalformedError marks a document that could not be decoded as any protocol
// message. It is distinct from transport errors: a peer producing one has
// compromised the stream, and the whole run must stop.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is or wraps a MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// Decode parses a single JSON document into its concrete message type. A
// document with an unknown or missing type tag is a MalformedError: the
// protocol has no catch-all message, and a peer speaking anything else has
// compromised the stream.
func Decode(doc []byte) (Message, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, &MalformedError{Err: fmt.Errorf("malformed message: %w", err)}
	}

	unmarshal := func(m Message) (Message, error) {
		if err := json.Unmarshal(doc, m); err != nil {
			return nil, &MalformedError{Err: fmt.Errorf("malformed %s message: %w", env.Type, err)}
		}
		return m, nil
	}

	switch env.Type {
	case KindReady:
		m, err := unmarshal(&Ready{})
		if err != nil {
			return nil, err
		}
		return *m.(*Ready), nil
	case KindModule:
		m, err := unmarshal(&Module{})
		if err != nil {
			return nil, err
		}
		return *m.(*Module), nil
	case KindStart:
		m, err := unmarshal(&Start{})
		if err != nil {
			return nil, err
		}
		return *m.(*Start), nil
	case KindEnd:
		m, err := unmarshal(&End{})
		if err != nil {
			return nil, err
		}
		return *m.(*End), nil
	case KindError:
		m, err := unmarshal(&TestError{})
		if err != nil {
			return nil, err
		}
		return *m.(*TestError), nil
	case KindCompleted:
		return Completed{}, nil
	case KindAck:
		return Ack{}, nil
	default:
		return nil, &MalformedError{Err: fmt.Errorf("unknown message type %q", env.Type)}
	}
}

// maxMessageBytes bounds a single wire document. Stack traces are the largest
// payload and stay far below this.
const maxMessageBytes = 1 << 20

// Reader decodes newline-delimited messages from a stream.
type Reader struct {
	scanner *bufio.Scanner
	decoded *xsync.Counter
}

// NewReader wraps r. If counter is non-nil it is incremented for every
// successfully decoded message; a single counter may be shared across the
// readers of many connections.
func NewReader(r io.Reader, counter *xsync.Counter) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxMessageBytes)
	return &Reader{scanner: s, decoded: counter}
}

// Next returns the next message, io.EOF at a clean end of stream, or an error
// for transport or decode failures.
func (r *Reader) Next() (Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			return nil, err
		}
		if r.decoded != nil {
			r.decoded.Inc()
		}
		return m, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Writer encodes messages onto a stream, one document per line. It is safe
// for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage writes one framed message and returns once the bytes have been
// handed to the transport.
func (w *Writer) WriteMessage(m Message) error {
	doc, err := Encode(m)
	if err != nil {
		return err
	}
	doc = append(doc, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(doc); err != nil {
		return fmt.Errorf("writing %s message: %w", m.Kind(), err)
	}
	return nil
}
