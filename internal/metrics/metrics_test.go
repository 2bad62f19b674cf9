package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestObserveRail(t *testing.T) {
	ObserveRail("sbi", "up")
	ObserveRail("axis", "down")
	ObserveRail("icici", "unknown")

	m := &dto.Metric{}
	g, err := RailStatus.GetMetricWithLabelValues("sbi")
	require.NoError(t, err)
	require.NoError(t, g.Write(m))
	assert.Equal(t, 1.0, m.Gauge.GetValue())

	g, err = RailStatus.GetMetricWithLabelValues("axis")
	require.NoError(t, err)
	m.Reset()
	require.NoError(t, g.Write(m))
	assert.Equal(t, 0.0, m.Gauge.GetValue())

	g, err = RailStatus.GetMetricWithLabelValues("icici")
	require.NoError(t, err)
	m.Reset()
	require.NoError(t, g.Write(m))
	assert.Equal(t, -1.0, m.Gauge.GetValue())
}

func TestRoutedCounter(t *testing.T) {
	RoutedTransactionsTotal.Reset()
	RoutedTransactionsTotal.WithLabelValues("forwarded").Inc()

	m := &dto.Metric{}
	c, err := RoutedTransactionsTotal.GetMetricWithLabelValues("forwarded")
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aegis_")
}

func TestMiddlewareRecords(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ping", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
