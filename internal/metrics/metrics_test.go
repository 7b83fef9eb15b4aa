package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveSubmission(t *testing.T) {
	before := testutil.ToFloat64(taskSubmissionsTotal.WithLabelValues("cached"))
	ObserveSubmission("cached")
	require.InDelta(t, before+1, testutil.ToFloat64(taskSubmissionsTotal.WithLabelValues("cached")), 0.0001)
}

func TestObserveDispatchAndClaim(t *testing.T) {
	assigned := testutil.ToFloat64(taskDispatchTotal.WithLabelValues("assigned"))
	unreachable := testutil.ToFloat64(taskDispatchTotal.WithLabelValues("unreachable"))
	ObserveDispatch(true)
	ObserveDispatch(false)
	ObserveDispatch(false)
	require.InDelta(t, assigned+1, testutil.ToFloat64(taskDispatchTotal.WithLabelValues("assigned")), 0.0001)
	require.InDelta(t, unreachable+2, testutil.ToFloat64(taskDispatchTotal.WithLabelValues("unreachable")), 0.0001)

	empty := testutil.ToFloat64(taskClaimsTotal.WithLabelValues("empty"))
	ObserveClaim(false)
	require.InDelta(t, empty+1, testutil.ToFloat64(taskClaimsTotal.WithLabelValues("empty")), 0.0001)
}

func TestConnectionsGauge(t *testing.T) {
	before := testutil.ToFloat64(wsConnections.WithLabelValues("extension"))
	IncConnections("extension")
	IncConnections("extension")
	DecConnections("extension")
	require.InDelta(t, before+1, testutil.ToFloat64(wsConnections.WithLabelValues("extension")), 0.0001)
}

func TestObserveArchiveWrite(t *testing.T) {
	ok := testutil.ToFloat64(archiveWritesTotal.WithLabelValues("ok"))
	failed := testutil.ToFloat64(archiveWritesTotal.WithLabelValues("error"))
	ObserveArchiveWrite(nil)
	ObserveArchiveWrite(errors.New("bucket gone"))
	require.InDelta(t, ok+1, testutil.ToFloat64(archiveWritesTotal.WithLabelValues("ok")), 0.0001)
	require.InDelta(t, failed+1, testutil.ToFloat64(archiveWritesTotal.WithLabelValues("error")), 0.0001)
}

func TestObserveWait(t *testing.T) {
	ObserveWait("timeout", 150*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(taskWaitSeconds))
}

func TestHandlerServesCollectors(t *testing.T) {
	ObserveResolution("completed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scraperelay_task_resolutions_total")
}
