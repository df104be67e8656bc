package sink

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/pkg/executor"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

func drain(t *testing.T, b *Buffered) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Run(ctx))
}

// ===========================================================================
// Buffered Tests
// ===========================================================================

// TestBuffered_RecordsMetrics verifies each event kind updates its series.
func TestBuffered_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := NewBuffered(Config{BufferSize: 16}, m, slog.New(slog.DiscardHandler))

	b.Emit(Event{Kind: KindTransition, SourceRef: "sales-etl-03", From: incident.StatusDiagnosing,
		To: incident.StatusRemediating, Cause: incident.CauseDecision})
	b.Emit(Event{Kind: KindExecution, Action: "restart-job", Succeeded: true, Latency: time.Second})
	b.Emit(Event{Kind: KindExecution, Action: "restart-job", Succeeded: true, Replayed: true})
	b.Emit(Event{Kind: KindVerify, Action: "restart-job", Verified: false})
	b.Emit(Event{Kind: KindDiagnosis, Decided: true, Latency: 2 * time.Second})
	drain(t, b)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("DIAGNOSING", "REMEDIATING", "decision")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("sales-etl-03")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("restart-job", "execute", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("restart-job", "execute", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("restart-job", "verify", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ActionTime))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AgentLatency))
}

// TestBuffered_DropsWhenFull verifies Emit never blocks and counts drops.
func TestBuffered_DropsWhenFull(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	b := NewBuffered(Config{BufferSize: 2}, m, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Emit(Event{Kind: KindTransition})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Dropped))
}

// TestBuffered_LogsEvents verifies a debug line per event.
func TestBuffered_LogsEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := NewBuffered(Config{BufferSize: 4}, NewMetrics(prometheus.NewRegistry()), logger)

	b.Emit(Event{Kind: KindTransition, IncidentID: "inc-1", From: incident.StatusOpen, To: incident.StatusDiagnosing})
	drain(t, b)

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `"msg":"sink: transition"`)
	assert.Contains(t, buf.String(), `"incident_id":"inc-1"`)
	<-b.Done()
}

// ===========================================================================
// Observer Tests
// ===========================================================================

// TestExecutionObserver verifies executor observations become events.
func TestExecutionObserver(t *testing.T) {
	var got []Event
	obs := ExecutionObserver(Func(func(e Event) { got = append(got, e) }))

	obs(executor.Execution{IncidentID: "inc-1", Action: "restart-job", Phase: executor.PhaseExecute,
		Outcome: incident.Outcome{Succeeded: false, Attempts: 3, Duration: time.Second,
			Error: &incident.OutcomeError{Code: "TIMEOUT_004", Message: "ambiguous"}}})
	obs(executor.Execution{IncidentID: "inc-1", Action: "restart-job", Phase: executor.PhaseVerify,
		Outcome: incident.Outcome{Succeeded: true, Verified: true}})

	require.Len(t, got, 2)
	assert.Equal(t, KindExecution, got[0].Kind)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, "TIMEOUT_004", got[0].ErrorCode)
	assert.Equal(t, KindVerify, got[1].Kind)
	assert.True(t, got[1].Verified)
}

// TestAgentObserver verifies agent latencies become diagnosis events.
func TestAgentObserver(t *testing.T) {
	var got Event
	AgentObserver(Func(func(e Event) { got = e }))(1500*time.Millisecond, true)
	assert.Equal(t, KindDiagnosis, got.Kind)
	assert.True(t, got.Decided)
	assert.Equal(t, 1500*time.Millisecond, got.Latency)
}
