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

func TestRecordMethods(t *testing.T) {
	m := NewRegistry()

	m.RecordSubmission("accepted")
	m.RecordSubmission("accepted")
	m.RecordWorkerEvent("COMPLETED", "settled")
	m.RecordConsumed("ack")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Submissions.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerEvents.WithLabelValues("COMPLETED", "settled")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Consumed.WithLabelValues("ack")))
}

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry

	assert.NotPanics(t, func() {
		m.RecordSubmission("accepted")
		m.RecordWorkerEvent("RUNNING", "noop")
		m.RecordLedgerWrite("deposit")
		m.RecordPublish("ok", time.Now())
		m.RecordConsumed("reject")
		m.RecordHTTP("GET", "/health", "200", time.Millisecond)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewRegistry()
	m.RecordLedgerWrite("deposit")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `titleforge_ledger_writes_total{kind="deposit"} 1`)
}
