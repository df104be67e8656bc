package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil/redismock"
	redisclient "github.com/StricklySoft/selfheal/pkg/clients/redis"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

func escalation() Notice {
	return Notice{
		Kind: KindEscalation, IncidentID: "inc-1", SourceRef: "sales-etl-03",
		Status: incident.StatusEscalated, Reason: "approval rejected",
		Rationale: "amount column switched to string", OccurredAt: time.Now().UTC(),
	}
}

// ===========================================================================
// Notifier Tests
// ===========================================================================

// TestLog_Notify verifies escalations are logged at warn level with
// their attributes.
func TestLog_Notify(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), escalation()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "notify: escalation", line["msg"])
	assert.Equal(t, "inc-1", line["incident_id"])
	assert.Equal(t, "amount column switched to string", line["rationale"])
}

// TestRedis_Notify verifies the notice is published as JSON on the
// configured channel.
func TestRedis_Notify(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Publish", mock.Anything, "selfheal.notices", mock.MatchedBy(func(msg any) bool {
		var n Notice
		raw, ok := msg.([]byte)
		return ok && json.Unmarshal(raw, &n) == nil && n.IncidentID == "inc-1" && n.Kind == KindEscalation
	})).Return(redismock.Int(1, nil))

	r := NewRedis(redisclient.NewFromClient(m, nil), Config{Channel: "selfheal.notices"})
	require.NoError(t, r.Notify(context.Background(), escalation()))
	m.AssertExpectations(t)
}

// TestFanout_JoinsErrors verifies every notifier runs even when one
// fails.
func TestFanout_JoinsErrors(t *testing.T) {
	var calls int
	boom := errors.New("smtp down")
	f := Fanout{
		Func(func(context.Context, Notice) error { calls++; return boom }),
		Func(func(context.Context, Notice) error { calls++; return nil }),
	}
	err := f.Notify(context.Background(), escalation())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
