// ABOUTME: Prometheus instrumentation for connections, packets and dispatches.
// ABOUTME: Each Metrics owns a private registry exposed through Handler.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ferry"

// Dispatch results used as the "result" label.
const (
	ResultDelivered = "delivered"
	ResultPartial   = "partial"
	ResultFailed    = "failed"
	ResultNoMatch   = "no_match"
)

// Metrics holds the gateway's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	agentsConnected  prometheus.Gauge
	packetsIn        *prometheus.CounterVec
	packetsOut       *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	deliveryFailures prometheus.Counter
	sweepRemoved     prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry. Go runtime and
// process collectors are included when withRuntime is true.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Connections currently held in the registry.",
		}),
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_in_total",
			Help:      "Frames received from agents, by decoded kind.",
		}, []string{"kind"}),
		packetsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_out_total",
			Help:      "Packets written to agents, by kind.",
		}, []string{"kind"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Command dispatches, by result.",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to resolve a selector and enqueue to every match.",
			Buckets:   prometheus.DefBuckets,
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-target enqueue failures during dispatch.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Dead connections removed by the liveness sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control-plane HTTP requests.",
		}, []string{"path", "status"}),
	}

	m.registry.MustRegister(
		m.agentsConnected,
		m.packetsIn,
		m.packetsOut,
		m.dispatches,
		m.dispatchDuration,
		m.deliveryFailures,
		m.sweepRemoved,
		m.httpRequests,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AgentsConnected(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

func (m *Metrics) PacketIn(kind string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) PacketOut(kind string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(kind).Inc()
}

func (m *Metrics) SweepRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepRemoved.Add(float64(n))
}

// Dispatch records one relay dispatch.
func (m *Metrics) Dispatch(result string, failures int, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
	m.dispatchDuration.Observe(took.Seconds())
	if failures > 0 {
		m.deliveryFailures.Add(float64(failures))
	}
}

// HTTPRequest counts a served control-plane request.
func (m *Metrics) HTTPRequest(path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
