package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadCounters(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.UploadSucceeded("image", "DIRECT", "image", 2048, 150*time.Millisecond)
	m.UploadSucceeded("image", "DIRECT", "image", 1024, 50*time.Millisecond)
	m.UploadFailed("video", "STREAM", "UPLOAD_PROCESSING_FAILED")
	m.PermissionDenied("storage quota exceeded")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploads.WithLabelValues("image", "DIRECT", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("video", "STREAM", "failure")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(m.uploadBytes.WithLabelValues("image")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("UPLOAD_PROCESSING_FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.denials.WithLabelValues("storage quota exceeded")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.UploadSucceeded("image", "DIRECT", "image", 1, time.Second)
		m.UploadFailed("image", "DIRECT", "X")
		m.PermissionDenied("x")
		m.RegisterGauge("session", "active", "help", func() float64 { return 1 })
	})
}

func TestGaugeAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	m.RegisterGauge("session", "active", "Active upload sessions.", func() float64 { return 4 })

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/v1/media/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/media/sessions/abc", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/media/sessions/:id", "404")))

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "moments_media_session_active" {
			found = true
			assert.Equal(t, 4.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}
