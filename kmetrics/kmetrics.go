// Package kmetrics exports kernel introspection counters as Prometheus
// metrics, registering a handler on its own mux the same way other
// daemons wire promhttp in, except every gauge/histogram here is this
// kernel's own (run-queue depth, frame usage, softirq latency, TCP
// connection count), not generic Go-runtime stats.
package kmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kwork"
	"github.com/breenix/breenix-go/net/tcp"
	"github.com/breenix/breenix-go/sched"
)

// Registry owns a dedicated prometheus.Registry (not the global
// default one, so a hosted kernel simulation doesn't pollute a test
// binary's metrics with Go-runtime collectors it never asked for) plus
// the gauge/histogram set this package updates.
type Registry struct {
	reg *prometheus.Registry

	runQueueDepth  *prometheus.GaugeVec
	framesFree     prometheus.Gauge
	framesTotal    prometheus.Gauge
	tcpConnections prometheus.Gauge
	softirqLatency *prometheus.HistogramVec
}

// NewRegistry creates and registers every gauge/histogram this package
// exposes, ready for Handler to serve.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.runQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "sched",
		Name:      "run_queue_depth",
		Help:      "Number of runnable threads waiting in a CPU's ready queue.",
	}, []string{"cpu"})

	r.framesFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "frame",
		Name:      "free_frames",
		Help:      "Number of free physical frames in the allocator.",
	})
	r.framesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "frame",
		Name:      "total_frames",
		Help:      "Total physical frames managed by the allocator.",
	})

	r.tcpConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "net",
		Name:      "tcp_connections",
		Help:      "Number of TCP connections currently tracked by the manager.",
	})

	r.softirqLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kernel",
		Subsystem: "softirq",
		Name:      "handler_latency_seconds",
		Help:      "Wall-clock time spent inside one softirq handler invocation.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10), // 1us .. ~262ms
	}, []string{"kind"})

	r.reg.MustRegister(r.runQueueDepth, r.framesFree, r.framesTotal, r.tcpConnections, r.softirqLatency)
	return r
}

// Handler returns the http.Handler /metrics should be mounted at.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRunQueue sets the run-queue-depth gauge for one CPU's queue.
func (r *Registry) ObserveRunQueue(rq *sched.RunQueue) {
	r.runQueueDepth.WithLabelValues(cpuLabel(rq.CPUID())).Set(float64(rq.Len()))
}

// ObserveFrames sets the frame-allocator gauges from alloc's live state.
func (r *Registry) ObserveFrames(alloc *frame.Allocator) {
	r.framesTotal.Set(float64(alloc.Total()))
	r.framesFree.Set(float64(alloc.FreeCount()))
}

// ObserveTCP sets the tcp-connection-count gauge from m's live state.
func (r *Registry) ObserveTCP(m *tcp.Manager) {
	r.tcpConnections.Set(float64(m.ConnCount()))
}

// SoftirqObserver returns the callback kwork.Pump.SetLatencyObserver
// expects, feeding this registry's per-kind latency histogram.
func (r *Registry) SoftirqObserver() func(kind kwork.Softirq, dur time.Duration) {
	return func(kind kwork.Softirq, dur time.Duration) {
		r.softirqLatency.WithLabelValues(kind.String()).Observe(dur.Seconds())
	}
}

func cpuLabel(cpu uint32) string {
	// Small, fixed cardinality (one label per core), so there's no point
	// pulling in strconv.Itoa's general-purpose machinery for a handful
	// of single/double digit values.
	if cpu < 10 {
		return string(rune('0' + cpu))
	}
	return string(rune('0'+cpu/10)) + string(rune('0'+cpu%10))
}
