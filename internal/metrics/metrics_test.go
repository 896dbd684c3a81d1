package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordMessage(Inbound, "tick")
	m.RecordUpdate(EditRecorded)
	m.RecordSynthesis(nil, time.Second)
	m.RecordSave(errors.New("disk full"))
	m.SetDirty(true)
	m.PeerAttached("host")
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordMessage(Inbound, "tick")
	m.RecordMessage(Inbound, "tick")
	m.RecordMessage(Outbound, "showcircuit")
	m.RecordSave(nil)
	m.RecordSave(errors.New("disk full"))
	m.RecordSynthesis(nil, 200*time.Millisecond)
	m.SetDirty(true)
	m.SetTick(12)
	m.PeerAttached("presentation")
	m.PeerAttached("host")
	m.PeerDetached("host")

	body := scrape(t, m)
	for _, line := range []string{
		`circuitd_messages_total{command="tick",direction="inbound"} 2`,
		`circuitd_messages_total{command="showcircuit",direction="outbound"} 1`,
		`circuitd_saves_total{result="error"} 1`,
		`circuitd_synthesis_total{result="ok"} 1`,
		`circuitd_circuit_dirty 1`,
		`circuitd_simulation_tick 12`,
		`circuitd_peers{role="host"} 0`,
		`circuitd_peers{role="presentation"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}
