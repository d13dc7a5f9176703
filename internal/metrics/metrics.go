package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxprov_build_info",
			Help: "Build information for voxprov",
		},
		[]string{"version"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxprov_steps_total",
			Help: "Build steps by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxprov_step_duration_seconds",
			Help:    "Wall time of executed or replayed build steps",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"kind"},
	)

	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxprov_builds_total",
			Help: "Completed builds by result",
		},
		[]string{"result"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxprov_cache_operations_total",
			Help: "Layer cache operations by backend, operation and result",
		},
		[]string{"backend", "op", "result"},
	)

	cacheBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxprov_cache_bytes_total",
			Help: "Layer bytes moved through the cache",
		},
		[]string{"backend", "direction"},
	)

	serverReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxprov_server_ready",
			Help: "1 when the launched server accepts connections",
		},
	)

	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxprov_server_exits_total",
			Help: "Launched server exits by classification",
		},
		[]string{"class"},
	)
)

// Register registers every voxprov metric on r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, stepsTotal, stepDuration, buildsTotal, cacheOps, cacheBytes, serverReady, serverExits)
}

// NewRegistry returns a registry with the voxprov and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	Register(reg)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// RecordStep counts a step reaching a terminal state. Skipped steps carry no
// duration.
func RecordStep(kind, state string, d time.Duration) {
	stepsTotal.WithLabelValues(kind, state).Inc()
	if d > 0 {
		stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// RecordBuild counts a finished build.
func RecordBuild(success bool) {
	buildsTotal.WithLabelValues(result(success)).Inc()
}

// RecordCacheOp counts one cache operation. result is hit, miss, ok or error.
func RecordCacheOp(backend, op, result string) {
	cacheOps.WithLabelValues(backend, op, result).Inc()
}

// RecordCacheBytes adds layer bytes read from or written to a cache.
func RecordCacheBytes(backend, direction string, n int64) {
	if n > 0 {
		cacheBytes.WithLabelValues(backend, direction).Add(float64(n))
	}
}

// SetServerReady flips the readiness gauge.
func SetServerReady(ready bool) {
	if ready {
		serverReady.Set(1)
		return
	}
	serverReady.Set(0)
}

// RecordServerExit counts a server exit by class.
func RecordServerExit(class string) {
	serverExits.WithLabelValues(class).Inc()
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, for node-exporter style collection of one-shot builds.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
