package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// New registers its counters on the process-wide default Prometheus
// registry, so only one Recorder is built per test binary run here to
// avoid duplicate-collector registration across test functions.
func TestRecorderRecordsAndServesMetrics(t *testing.T) {
	rec, err := New("toolgate_test")
	require.NoError(t, err)
	require.NotNil(t, rec.Handler)

	rec.RecordDiscover(context.Background())
	rec.RecordExecute(context.Background(), "ok")
	rec.RecordExecute(context.Background(), "error")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	rec.Handler.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "toolgate_discover_total"))
	assert.True(t, strings.Contains(body, "toolgate_execute_total"))
	assert.True(t, strings.Contains(body, `outcome="ok"`))
	assert.True(t, strings.Contains(body, `outcome="error"`))
}

func TestRecorderNilIsSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.RecordDiscover(context.Background())
		rec.RecordExecute(context.Background(), "error")
	})
}
