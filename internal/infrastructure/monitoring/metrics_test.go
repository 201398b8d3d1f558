package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsUsePrivateRegistry(t *testing.T) {
	// Two collectors in one process must not collide
	a := NewMetrics()
	b := NewMetrics()

	a.SetActiveWorkers(3)
	assert.Contains(t, scrape(t, a), "workerhost_workers_active 3")
	assert.Contains(t, scrape(t, b), "workerhost_workers_active 0")
}

func TestLaunchCompleted(t *testing.T) {
	m := NewMetrics()

	m.LaunchCompleted(SourceSpare, true, 20*time.Millisecond)
	m.LaunchCompleted(SourceFresh, true, 40*time.Millisecond)
	m.LaunchCompleted(SourceFresh, false, 0)

	body := scrape(t, m)
	assert.Contains(t, body, `workerhost_launches_total{result="success",source="spare"} 1`)
	assert.Contains(t, body, `workerhost_launches_total{result="failure",source="fresh"} 1`)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.LaunchesOK)
	assert.Equal(t, int64(1), snap.LaunchesFailed)
}

func TestWorkerDied(t *testing.T) {
	m := NewMetrics()
	m.WorkerDied(true)
	m.WorkerDied(false)
	m.WorkerDied(false)

	body := scrape(t, m)
	assert.Contains(t, body, `workerhost_worker_deaths_total{oom_protected="true"} 1`)
	assert.Contains(t, body, `workerhost_worker_deaths_total{oom_protected="false"} 2`)
	assert.Equal(t, int64(3), m.Snapshot().Deaths)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.SpareTransition("ready")
	m.BindRejected("auto_create")

	body := scrape(t, m)
	assert.Contains(t, body, `workerhost_spare_transitions_total{state="ready"} 1`)
	assert.Contains(t, body, `workerhost_bind_rejections_total{flags="auto_create"} 1`)
	assert.Contains(t, body, "workerhost_uptime_seconds")
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()
	router := gin.New()
	router.Use(Middleware(m))
	router.DELETE("/v1/workers/:pid", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, pid := range []string{"10", "11"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/workers/"+pid, nil))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	body := scrape(t, m)
	assert.Contains(t, body, `workerhost_http_requests_total{method="DELETE",path="/v1/workers/:pid",status="204"} 2`)
	assert.Contains(t, body, `workerhost_http_requests_total{method="GET",path="unmatched",status="404"} 1`)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalErrors)
}
