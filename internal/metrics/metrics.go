package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can instantiate collectors
// without colliding on the process-global default.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests       *prometheus.CounterVec
	rpcErrors         *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	backendFailures   prometheus.Counter
	circuitOpen       prometheus.Gauge
	eventsDelivered   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	sessionsConnected prometheus.Gauge
	camerasConnected  prometheus.Gauge
	activeRecordings  prometheus.Gauge
	snapshotsTaken    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.rpcRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camgw_rpc_requests_total",
		Help: "RPC requests handled, by method",
	}, []string{"method"})
	reg.MustRegister(m.rpcRequests)

	m.rpcErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camgw_rpc_errors_total",
		Help: "RPC requests that returned an error, by method and code",
	}, []string{"method", "code"})
	reg.MustRegister(m.rpcErrors)

	m.rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "camgw_rpc_duration_seconds",
		Help:    "RPC handling latency, by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	reg.MustRegister(m.rpcDuration)

	m.backendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camgw_media_backend_failures_total",
		Help: "Failed calls to the media server control API",
	})
	reg.MustRegister(m.backendFailures)

	m.circuitOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camgw_media_backend_circuit_open",
		Help: "1 while the media server circuit breaker is open",
	})
	reg.MustRegister(m.circuitOpen)

	m.eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camgw_events_delivered_total",
		Help: "Events delivered to subscriber sessions, by topic",
	}, []string{"topic"})
	reg.MustRegister(m.eventsDelivered)

	m.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camgw_events_dropped_total",
		Help: "Events dropped from slow subscriber queues",
	})
	reg.MustRegister(m.eventsDropped)

	m.sessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camgw_sessions_connected",
		Help: "Currently connected control-plane sessions",
	})
	reg.MustRegister(m.sessionsConnected)

	m.camerasConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camgw_cameras_connected",
		Help: "Cameras currently in the CONNECTED state",
	})
	reg.MustRegister(m.camerasConnected)

	m.activeRecordings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camgw_recordings_active",
		Help: "Recording sessions currently in progress",
	})
	reg.MustRegister(m.activeRecordings)

	m.snapshotsTaken = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camgw_snapshots_total",
		Help: "Snapshot captures, by outcome",
	}, []string{"outcome"})
	reg.MustRegister(m.snapshotsTaken)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRPC(method string, seconds float64) {
	m.rpcRequests.WithLabelValues(method).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) ObserveRPCError(method, code string) {
	m.rpcErrors.WithLabelValues(method, code).Inc()
}

func (m *Metrics) BackendFailure()              { m.backendFailures.Inc() }
func (m *Metrics) SetCircuitOpen(open bool)     { m.circuitOpen.Set(boolToGauge(open)) }
func (m *Metrics) EventDelivered(topic string)  { m.eventsDelivered.WithLabelValues(topic).Inc() }
func (m *Metrics) EventsDropped(n int)          { m.eventsDropped.Add(float64(n)) }
func (m *Metrics) SetSessionsConnected(n int)   { m.sessionsConnected.Set(float64(n)) }
func (m *Metrics) SetCamerasConnected(n int)    { m.camerasConnected.Set(float64(n)) }
func (m *Metrics) SetActiveRecordings(n int)    { m.activeRecordings.Set(float64(n)) }
func (m *Metrics) SnapshotTaken(outcome string) { m.snapshotsTaken.WithLabelValues(outcome).Inc() }

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
