package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

func TestRecordRunFinished(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("failed"))
	active := testutil.ToFloat64(runsActive)

	RecordRunStarted()
	RecordRunFinished(domain.RunStatusFailed)

	assert.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("failed")))
	assert.Equal(t, active, testutil.ToFloat64(runsActive))
}

func TestRecordRunFinished_IgnoresNonTerminal(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("running"))
	RecordRunFinished(domain.RunStatusRunning)
	assert.Equal(t, before, testutil.ToFloat64(runsTotal.WithLabelValues("running")))
}

func TestRecordResults(t *testing.T) {
	before := testutil.ToFloat64(resultsTotal.WithLabelValues("passed"))
	RecordResults(domain.Counts{Parsed: 3, Passed: 2, Failed: 1})
	assert.Equal(t, before+2, testutil.ToFloat64(resultsTotal.WithLabelValues("passed")))
}

func TestHandler_ExposesNamespace(t *testing.T) {
	ObserveStage("install", 2*time.Second)
	RecordTask("allure.generate", "ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tmrun_stage_duration_seconds_bucket")
	assert.Contains(t, body, `tmrun_tasks_total{kind="allure.generate",result="ok"}`)
}
