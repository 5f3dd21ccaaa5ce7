package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetRooms(3)
		m.SetConnections(2, 1)
		m.MoveRelayed()
		m.FrameRejected("malformed")
		m.StaleReclaimed("sweep")
		m.WriteFailed("set_session")
		m.WriteDropped()
		m.Matchmade("paired")
		m.FriendTransition("request")
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.StaleReclaimed("login")
	m.StaleReclaimed("login")
	m.StaleReclaimed("sweep")
	m.MoveRelayed()
	m.SetRooms(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.staleReclaimed.WithLabelValues("login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.staleReclaimed.WithLabelValues("sweep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.movesRelayed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.roomsOpen))
}

func TestMetricsHandlerExposes(t *testing.T) {
	m := NewMetrics()
	m.Matchmade("waiting")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `lobby_matchmake_total{result="waiting"} 1`)
}
