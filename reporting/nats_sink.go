package reporting

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultRunSubject is the NATS subject run events are published to.
const DefaultRunSubject = "testmux.run.completed"

// RunEvent is the JSON document published for a finished run.
type RunEvent struct {
	RunID      string         `json:"runId"`
	Passed     bool           `json:"passed"`
	Total      int            `json:"total"`
	PassCount  int            `json:"passCount"`
	FailCount  int            `json:"failCount"`
	SkipCount  int            `json:"skipCount"`
	DurationMS int64          `json:"durationMs"`
	Failures   []FailureEvent `json:"failures,omitempty"`
}

// FailureEvent is one failure in a RunEvent, trimmed to what a downstream
// consumer needs: where it happened and what went wrong. Output tails stay
// in the file and console reports.
type FailureEvent struct {
	File        string   `json:"file"`
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
	Error       string   `json:"error"`
}

func newRunEvent(r *Report) RunEvent {
	ev := RunEvent{
		RunID:      r.RunID,
		Passed:     r.Passed,
		Total:      r.Stats.Total,
		PassCount:  r.Stats.Passed,
		FailCount:  r.Stats.Failed,
		SkipCount:  r.Stats.Skipped,
		DurationMS: r.Duration.Milliseconds(),
	}
	for _, group := range r.Failures {
		for _, rec := range group.Records {
			ev.Failures = append(ev.Failures, FailureEvent{
				File:        group.File,
				Breadcrumbs: rec.Breadcrumbs,
				Error:       rec.Error.String(),
			})
		}
	}
	return ev
}

// NATSSink publishes a RunEvent per run, for CI dashboards and anything else
// subscribed to the run subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink creates a sink over an established connection. An empty
// subject uses DefaultRunSubject.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultRunSubject
	}
	return &NATSSink{nc: nc, subject: subject}
}

// NewNATSSinkFromURL connects to url and returns a sink over the new
// connection. Close releases the connection.
func NewNATSSinkFromURL(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("testmux"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return NewNATSSink(nc, subject), nil
}

func (s *NATSSink) Consume(report *Report) error {
	b, err := json.Marshal(newRunEvent(report))
	if err != nil {
		return fmt.Errorf("encoding run event: %w", err)
	}
	if err := s.nc.Publish(s.subject, b); err != nil {
		return fmt.Errorf("publishing run event: %w", err)
	}
	return s.nc.Flush()
}

func (s *NATSSink) Name() string { return "nats" }

// Close drains the underlying connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
