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

func TestCollector(t *testing.T) {
	c := New()
	c.ObserveRequest("query", "ok", 120*time.Millisecond)
	c.ObserveRequest("query", "ok", 80*time.Millisecond)
	c.ObserveRequest("quiz", "generation_failure", time.Second)
	c.ObserveIngestion("ok", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("query", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("quiz", "generation_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestions.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `book_rag_requests_total{op="query",outcome="ok"} 2`)
	assert.Contains(t, rec.Body.String(), "book_rag_ingestion_duration_seconds_count 1")
}
