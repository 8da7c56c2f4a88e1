package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveLookup(t *testing.T) {
	m := New()
	m.ObserveLookup("quiz", true)
	m.ObserveLookup("quiz", true)
	m.ObserveLookup("quiz", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("quiz", ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("quiz", ResultMiss)))
}

func TestObserveGeneration(t *testing.T) {
	m := New()
	m.ObserveGeneration("summary", 200*time.Millisecond, nil)
	m.ObserveGeneration("summary", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("summary", StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("summary", StatusError)))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveStoreError("get")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `aicache_store_errors_total{op="get"} 1`)
}
