package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kernelroute"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"host", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "method", "path", "status"},
	)
	kernelCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "commands_total",
			Help:      "Root commands completed by a kernel, by outcome.",
		},
		[]string{"kernel", "command_type", "outcome"},
	)
	kernelCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "command_duration_seconds",
			Help:      "Root command duration from send to terminal event.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kernel", "command_type", "outcome"},
	)
	proxyRoundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "roundtrips_total",
			Help:      "Commands forwarded to a remote kernel, by outcome.",
		},
		[]string{"kernel", "outcome"},
	)
	proxyRoundTripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "roundtrip_duration_seconds",
			Help:      "Forwarded command duration until the remote terminal event.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kernel", "outcome"},
	)
	proxyInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "inflight",
			Help:      "Forwarded commands waiting for a remote reply.",
		},
		[]string{"kernel"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			kernelCommands,
			kernelCommandDuration,
			proxyRoundTrips,
			proxyRoundTripDuration,
			proxyInFlight,
		)
	})
}

func RecordHTTPRequest(host, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(host, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(host, method, path, statusLabel).Observe(duration.Seconds())
}

// KernelMetrics records kernel and proxy observations into the default
// prometheus registry.
type KernelMetrics struct{}

func NewKernelMetrics() KernelMetrics {
	RegisterMetrics()
	return KernelMetrics{}
}

func (KernelMetrics) ObserveCommand(kernel, commandType, outcome string, elapsed time.Duration) {
	kernelCommands.WithLabelValues(kernel, commandType, outcome).Inc()
	kernelCommandDuration.WithLabelValues(kernel, commandType, outcome).Observe(elapsed.Seconds())
}

func (KernelMetrics) ObserveProxyRoundTrip(kernel, outcome string, elapsed time.Duration) {
	proxyRoundTrips.WithLabelValues(kernel, outcome).Inc()
	proxyRoundTripDuration.WithLabelValues(kernel, outcome).Observe(elapsed.Seconds())
}

func (KernelMetrics) SetProxyInFlight(kernel string, n int) {
	proxyInFlight.WithLabelValues(kernel).Set(float64(n))
}
