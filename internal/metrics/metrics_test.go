package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	m := NewRegistry()

	m.IncSubmission("succeeded", "")
	m.IncSubmission("failed", "StaleNonce")
	m.IncSubmission("failed", "StaleNonce")
	m.IncAttempt("submit_timeout")
	m.IncFeeFallback()
	m.PipelineStarted()
	m.PipelineStarted()
	m.PipelineFinished()
	m.SetDLQDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissionsTotal.WithLabelValues("failed", "StaleNonce")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptsTotal.WithLabelValues("submit_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feeFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.dlqDepth))
}

func TestRegistryHandlerExposesMetrics(t *testing.T) {
	m := NewRegistry()
	m.IncRequest("/submit", 202)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_http_requests_total{code="202",route="/submit"} 1`)
	assert.Contains(t, string(body), "relay_dlq_depth 0")
}
