package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.Chunks.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Chunks))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Chunks))
}

func TestObserveSession(t *testing.T) {
	m := New()
	m.SessionsActive.Inc()
	m.ObserveSession(3 * time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SessionDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.CapturesStarted.WithLabelValues("direct").Inc()
	m.GaugeFunc("hub_clients", "Websocket subscribers.", func() float64 { return 4 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `callcapture_captures_started_total{strategy="direct"} 1`)
	assert.Contains(t, string(body), "callcapture_hub_clients 4")
}
