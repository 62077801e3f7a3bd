package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_BatchFinished(t *testing.T) {
	r := New()

	r.BatchStarted()
	r.BatchStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(r.BatchesInFlight))

	r.BatchFinished("succeeded", 1, 500, 2, 300*time.Millisecond)
	r.BatchInterrupted()

	assert.Equal(t, 0.0, testutil.ToFloat64(r.BatchesInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BatchesFinished.WithLabelValues("succeeded")))
	assert.Equal(t, 500.0, testutil.ToFloat64(r.MembersMoved))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.MemberFailures))
}

func TestRecorder_Jobs(t *testing.T) {
	r := New()

	r.JobSubmitted()
	r.JobFinished("completed_with_errors")
	r.JobsExpiredAdd(3)
	r.JobsExpiredAdd(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.JobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.JobsFinished.WithLabelValues("completed_with_errors")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.JobsExpired))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.JobSubmitted()
		r.JobFinished("completed")
		r.BatchStarted()
		r.BatchFinished("failed", 3, 0, 0, time.Second)
		r.BatchInterrupted()
		r.JobsExpiredAdd(1)
	})
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.JobSubmitted()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "jamcrm_bulk_move_jobs_submitted_total 1"))
}
