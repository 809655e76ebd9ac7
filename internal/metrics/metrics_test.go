package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexproxy/internal/indexer"
)

func TestRecorder_FetchCompleted(t *testing.T) {
	r := New()
	r.FetchCompleted("alpha", indexer.OutcomeSuccess, 12, 250*time.Millisecond)
	r.FetchCompleted("alpha", indexer.OutcomeFailure, 0, time.Second)
	r.FetchCompleted("alpha", indexer.OutcomeSuccess, 3, 100*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.FetchTotal.WithLabelValues("alpha", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FetchTotal.WithLabelValues("alpha", "failure")))
	assert.Equal(t, 15.0, testutil.ToFloat64(r.ReleasesTotal.WithLabelValues("alpha")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.FetchDuration))
}

func TestRecorder_IndexerStatusChanged(t *testing.T) {
	r := New()
	r.IndexerStatusChanged(7, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.IndexerDisabled.WithLabelValues("7")))
	r.IndexerStatusChanged(7, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.IndexerDisabled.WithLabelValues("7")))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.FetchCompleted("alpha", indexer.OutcomeSkipped, 0, 0)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `indexproxy_fetch_total{indexer="alpha",outcome="skipped"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
