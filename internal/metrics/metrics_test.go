package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("PENDING_REVIEW", "APPROVED")
	m.ProfileCounts(map[string]int{"FREE": 1})
	m.ConnectionOpened("operator")
	m.Dropped("operator")
	m.RunFinished("example-mail", "success", time.Second)
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Transition("PENDING_REVIEW", "EXPIRED")
	m.Transition("PENDING_REVIEW", "EXPIRED")
	m.ProfileCounts(map[string]int{"FREE": 3, "BUSY": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.expired))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.profiles.WithLabelValues("FREE")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "signon_request_transitions_total"))
}
