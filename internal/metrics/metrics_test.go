package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ResourceFetched("json")
	m.ResourceFetched("json")
	m.ResourceHit()
	m.StoreOp("get", "cache", "0123456789abcdef")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.resourceFetches.WithLabelValues("json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resourceHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("get", "cache", "0123456789abcdef")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ResourceFetched("json")
		m.InstanceCreated("chat")
		m.PushReceived()
		m.FlowFinished(0.1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.InstanceCreated("chat")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ccmrt_engine_instances_total{component="chat"} 1`)
}

func TestRuntimesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.ResourceHit()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.resourceHits))
}
