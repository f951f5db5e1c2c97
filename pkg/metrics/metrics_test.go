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

func TestWorkflowCounters(t *testing.T) {
	before := testutil.ToFloat64(workflowsTotal.WithLabelValues(OutcomeSkipped))
	inFlight := testutil.ToFloat64(workflowsInFlight)

	WorkflowStarted()
	assert.Equal(t, inFlight+1, testutil.ToFloat64(workflowsInFlight))

	WorkflowFinished(OutcomeSkipped)
	assert.Equal(t, inFlight, testutil.ToFloat64(workflowsInFlight))
	assert.Equal(t, before+1, testutil.ToFloat64(workflowsTotal.WithLabelValues(OutcomeSkipped)))
}

func TestWorkflowFailed(t *testing.T) {
	before := testutil.ToFloat64(failuresTotal.WithLabelValues("LaunchError"))
	WorkflowFailed("LaunchError")
	assert.Equal(t, before+1, testutil.ToFloat64(failuresTotal.WithLabelValues("LaunchError")))
}

func TestHandlerServesMetrics(t *testing.T) {
	ObserveImport(2 * time.Minute)
	ObserveLaunch(30 * time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "vmimport_workflows_total")
	assert.Contains(t, body, "vmimport_import_seconds")
	assert.Contains(t, body, "vmimport_launch_seconds")
}
