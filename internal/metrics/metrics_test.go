package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SetBoundConnections(3)
		m.SetAnnotations(3)
		m.Event("user:join", "ok")
		m.Delivered(2)
		m.Dropped(1)
		m.ObserveHTTP("GET", "/api/health", 200, time.Millisecond)
	})
}

func TestCounters(t *testing.T) {
	m, _ := NewWithRegistry()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Event("comment:add", "ok")
	m.Event("comment:add", "ok")
	m.Event("comment:add", "validation")
	m.Delivered(5)
	m.Dropped(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("comment:add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("comment:add", "validation")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m, reg := NewWithRegistry()
	m.SetAnnotations(4)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "folio_annotations 4")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
