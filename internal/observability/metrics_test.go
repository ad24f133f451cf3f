package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(operations.WithLabelValues("assign_card", "ok"))
	RecordOperation("assign_card", "", 3*time.Millisecond)
	RecordOperation("assign_card", "supply_exhausted", time.Millisecond)
	RecordNotification("card_assigned", false)
	RecordExpiryTick(2, 1, 0, 0, 1, 40*time.Millisecond)
	RecordHTTPRequest("GET", "/v1/cards/{id}", 200, 12*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(operations.WithLabelValues("assign_card", "ok")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(expiryTicks.WithLabelValues("expired")), 2.0)
}

func TestMetricsServerServesOnlyMetrics(t *testing.T) {
	RegisterMetrics()
	RecordHTTPRequest("GET", "/v1/cards", 200, time.Millisecond)
	srv := NewMetricsServer(":0")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cards_http_requests_total")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cards", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
