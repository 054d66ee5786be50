package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTrackerThresholdNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold int
		want      int
	}{
		{"valid", 3, 3},
		{"zero", 0, 1},
		{"negative", -5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tracker := newStatusTracker(tt.threshold)
			assert.Equal(t, tt.want, tracker.unhealthyThreshold)
		})
	}
}

func TestStatusTrackerRecordSuccessFreshBackend(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(3)
	status := tracker.RecordSuccess("backend-1")
	assert.Equal(t, StatusHealthy, status)

	got, ok := tracker.GetStatus("backend-1")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, got)
}

func TestStatusTrackerRecordSuccessAfterFailuresIsDegraded(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(3)
	testErr := errors.New("probe failed")
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("backend-1", testErr)
	}
	status, _ := tracker.GetStatus("backend-1")
	assert.Equal(t, StatusUnhealthy, status)

	status = tracker.RecordSuccess("backend-1")
	assert.Equal(t, StatusDegraded, status, "first success after failures is a recovery signal, not fully healthy yet")

	status = tracker.RecordSuccess("backend-1")
	assert.Equal(t, StatusHealthy, status, "second consecutive success is fully healthy")
}

func TestStatusTrackerBelowThresholdStaysUnknown(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(3)
	testErr := errors.New("probe failed")

	tracker.RecordFailure("backend-1", testErr)
	status, ok := tracker.GetStatus("backend-1")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, status)

	tracker.RecordFailure("backend-1", testErr)
	status, _ = tracker.GetStatus("backend-1")
	assert.Equal(t, StatusUnknown, status)
}

func TestStatusTrackerReachesUnhealthyAtThreshold(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(3)
	testErr := errors.New("probe failed")
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("backend-1", testErr)
	}
	report, ok := tracker.report("backend-1")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, 3, report.ConsecutiveFailures)
	assert.Equal(t, "probe failed", report.LastError)
}

func TestStatusTrackerUnknownBackendReportsNotFound(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(3)
	_, ok := tracker.GetStatus("never-seen")
	assert.False(t, ok)
	_, ok = tracker.report("never-seen")
	assert.False(t, ok)
}
