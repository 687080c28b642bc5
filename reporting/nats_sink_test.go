package reporting

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEventCarriesFailures(t *testing.T) {
	report := NewReportBuilder().Build(passFailRun(t))
	ev := newRunEvent(report)

	assert.Equal(t, "run-1", ev.RunID)
	assert.False(t, ev.Passed)
	assert.Equal(t, 3, ev.Total)
	assert.Equal(t, 1, ev.FailCount)
	assert.Equal(t, int64(10), ev.DurationMS)

	require.Len(t, ev.Failures, 1)
	assert.Equal(t, "z.test.js", ev.Failures[0].File)
	assert.Equal(t, []string{"math", "divides"}, ev.Failures[0].Breadcrumbs)
	assert.Equal(t, "AssertionError: division by zero", ev.Failures[0].Error)
}

func TestRunEventJSONShape(t *testing.T) {
	report := NewReportBuilder().Build(passFailRun(t))
	b, err := json.Marshal(newRunEvent(report))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{"runId", "passed", "total", "failCount", "durationMs", "failures"} {
		assert.Contains(t, m, key)
	}
}

func TestNATSSinkDefaultsSubject(t *testing.T) {
	sink := NewNATSSink(nil, "")
	assert.Equal(t, DefaultRunSubject, sink.subject)
	assert.Equal(t, "nats", sink.Name())
}
