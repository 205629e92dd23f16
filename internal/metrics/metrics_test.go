package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestInitMetrics_Singleton(t *testing.T) {
	m := InitMetrics(nil)
	require.NotNil(t, m)
	assert.Same(t, m, InitMetrics(nil))
	assert.Same(t, m, Get())

	for name, metric := range map[string]any{
		"RequestsTotal":        m.RequestsTotal,
		"RequestDuration":      m.RequestDuration,
		"BytesStored":          m.BytesStored,
		"BytesServed":          m.BytesServed,
		"ChunksStored":         m.ChunksStored,
		"CorruptChunks":        m.CorruptChunks,
		"ReplicaWriteFailures": m.ReplicaWriteFailures,
		"ReadFallbacks":        m.ReadFallbacks,
		"DeleteFailures":       m.DeleteFailures,
		"ReconcileCycles":      m.ReconcileCycles,
		"RepairsTotal":         m.RepairsTotal,
		"DegradedChunks":       m.DegradedChunks,
		"OrphansReclaimed":     m.OrphansReclaimed,
		"NodeHealthy":          m.NodeHealthy,
	} {
		assert.NotNil(t, metric, name)
	}
}

func TestRecordHelpers(t *testing.T) {
	m := InitMetrics(nil)

	before := counterValue(t, m.RepairsTotal.WithLabelValues("healed"))
	m.RecordRepair("healed")
	assert.Equal(t, before+1, counterValue(t, m.RepairsTotal.WithLabelValues("healed")))

	m.SetNodeHealthy("node1", true)
	assert.Equal(t, 1.0, counterValue(t, m.NodeHealthy.WithLabelValues("node1")))
	m.SetNodeHealthy("node1", false)
	assert.Equal(t, 0.0, counterValue(t, m.NodeHealthy.WithLabelValues("node1")))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, "success", ClassifyStatus(http.StatusCreated))
	assert.Equal(t, "not_found", ClassifyStatus(http.StatusNotFound))
	assert.Equal(t, "client_error", ClassifyStatus(http.StatusBadRequest))
	assert.Equal(t, "error", ClassifyStatus(http.StatusInternalServerError))
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := NewStatusRecorder(w)
	assert.Equal(t, http.StatusOK, rec.Status())

	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusNotFound, rec.Status())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInstrument(t *testing.T) {
	m := InitMetrics(nil)
	h := Instrument(m, "test", "Teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	c := m.RequestsTotal.WithLabelValues("test", "Teapot", "client_error")
	before := counterValue(t, c)
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, before+1, counterValue(t, c))

	// nil metrics passes through
	called := false
	Instrument(nil, "x", "y", func(http.ResponseWriter, *http.Request) { called = true })(
		httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestHandler(t *testing.T) {
	m := InitMetrics(nil)
	m.ReconcileCycles.Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "meshdfs_reconcile_cycles_total")
	assert.Contains(t, string(body), "go_goroutines")
}
