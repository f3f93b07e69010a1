package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idemcore/internal/shared"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

type stubStats struct{ total, inFlight int }

func (s stubStats) Len() int      { return s.total }
func (s stubStats) InFlight() int { return s.inFlight }

func TestObserver(t *testing.T) {
	m := New()

	m.OnAttempt("k", retry.AttemptOutcome{Attempt: 1, Duration: 10 * time.Millisecond, Err: shared.ErrTransient, Delay: 100 * time.Millisecond})
	m.OnAttempt("k", retry.AttemptOutcome{Attempt: 2, Duration: 5 * time.Millisecond})
	m.OnOutcome(resilience.Outcome{Key: "k", State: idempotency.Completed, Attempts: 2})
	m.OnOutcome(resilience.Outcome{Key: "j", State: idempotency.Failed, Err: errors.New("x")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("error", "Transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("success", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("completed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("failed", "Unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackoffSeconds))
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordSweep(3)
	m.RecordSweep(0)
	m.RecordFallback("postgres")
	m.RecordJournalDrop()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweptTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("postgres")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JournalDroppedTotal))
}

func TestTrackStoreAndHandler(t *testing.T) {
	m := New()
	m.TrackStore(stubStats{total: 5, inFlight: 2})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "idemcore_records 5")
	assert.Contains(t, body, "idemcore_records_in_flight 2")
	assert.Contains(t, body, "go_goroutines")
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/v1/records/:key", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for i := 0; i < 2; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/records/abc", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/records/:key", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	expected := `
# HELP idemcore_records_swept_total Total number of expired records evicted by the sweeper
# TYPE idemcore_records_swept_total counter
idemcore_records_swept_total 0
`
	assert.NoError(t, testutil.CollectAndCompare(m.SweptTotal, strings.NewReader(expected)))
}
