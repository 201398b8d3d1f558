package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Launcher metrics
	Launches        *prometheus.CounterVec
	LaunchDuration  *prometheus.HistogramVec
	WorkersActive   prometheus.Gauge
	WorkerDeaths    *prometheus.CounterVec
	StrongBindings  prometheus.Gauge
	ModerateBinding prometheus.Gauge
	RecencySize     prometheus.Gauge
	SpareStates     *prometheus.CounterVec
	BindRejections  *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON stats endpoint
type Snapshot struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalErrors    int64 `json:"total_errors"`
	LaunchesOK     int64 `json:"launches_ok"`
	LaunchesFailed int64 `json:"launches_failed"`
	Deaths         int64 `json:"deaths"`
	ActiveWorkers  int64 `json:"active_workers"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerhost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workerhost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Launcher metrics
		Launches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerhost_launches_total",
				Help: "Total number of worker launches",
			},
			[]string{"source", "result"},
		),
		LaunchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workerhost_launch_duration_seconds",
				Help:    "Time from launch request to worker pid",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerhost_workers_active",
				Help: "Number of registered workers",
			},
		),
		WorkerDeaths: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerhost_worker_deaths_total",
				Help: "Total number of worker deaths",
			},
			[]string{"oom_protected"},
		),
		StrongBindings: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerhost_strong_bindings",
				Help: "Number of workers holding a strong binding",
			},
		),
		ModerateBinding: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerhost_moderate_bindings",
				Help: "Number of moderate bindings granted by the binding manager",
			},
		),
		RecencySize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerhost_recency_list_size",
				Help: "Number of connections on the recency list",
			},
		),
		SpareStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerhost_spare_transitions_total",
				Help: "Spare pool state transitions by target state",
			},
			[]string{"state"},
		),
		BindRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerhost_bind_rejections_total",
				Help: "Bind requests refused by the host",
			},
			[]string{"flags"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerhost_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerhost_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "workerhost_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status >= 400 {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// LaunchCompleted implements Recorder
func (m *Metrics) LaunchCompleted(source string, ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Launches.WithLabelValues(source, result).Inc()
	if ok {
		m.LaunchDuration.WithLabelValues(source).Observe(duration.Seconds())
	}

	m.mu.Lock()
	if ok {
		m.snapshot.LaunchesOK++
	} else {
		m.snapshot.LaunchesFailed++
	}
	m.mu.Unlock()
}

// WorkerDied implements Recorder
func (m *Metrics) WorkerDied(oomProtected bool) {
	m.WorkerDeaths.WithLabelValues(strconv.FormatBool(oomProtected)).Inc()
	m.mu.Lock()
	m.snapshot.Deaths++
	m.mu.Unlock()
}

// SetActiveWorkers implements Recorder
func (m *Metrics) SetActiveWorkers(n int) {
	m.WorkersActive.Set(float64(n))
	m.mu.Lock()
	m.snapshot.ActiveWorkers = int64(n)
	m.mu.Unlock()
}

// SetStrongBindings implements Recorder
func (m *Metrics) SetStrongBindings(n int) {
	m.StrongBindings.Set(float64(n))
}

// SetModerateBindings implements Recorder
func (m *Metrics) SetModerateBindings(n int) {
	m.ModerateBinding.Set(float64(n))
}

// SetRecencySize implements Recorder
func (m *Metrics) SetRecencySize(n int) {
	m.RecencySize.Set(float64(n))
}

// SpareTransition implements Recorder
func (m *Metrics) SpareTransition(to string) {
	m.SpareStates.WithLabelValues(to).Inc()
}

// BindRejected implements Recorder
func (m *Metrics) BindRejected(flags string) {
	m.BindRejections.WithLabelValues(flags).Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns the current values
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = int64(time.Since(m.startTime).Seconds())
	return s
}

var _ Recorder = (*Metrics)(nil)
