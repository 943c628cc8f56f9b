package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taniwha3/swapdog/internal/controller"
	"github.com/taniwha3/swapdog/internal/models"
	"github.com/taniwha3/swapdog/internal/policy"
	"github.com/taniwha3/swapdog/internal/sampler"
	"github.com/taniwha3/swapdog/internal/swap"
)

const namespace = "swapdog"

// Activation result label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics exposes the control loop state as Prometheus metrics. It
// implements controller.Observer.
type Metrics struct {
	controller.NopObserver

	registry *prometheus.Registry

	memoryUsed         prometheus.Gauge
	swapUsed           prometheus.Gauge
	activeDevices      prometheus.Gauge
	iterations         prometheus.Counter
	fatalErrors        *prometheus.CounterVec
	activationAttempts *prometheus.CounterVec
	activationDuration prometheus.Histogram
	thresholdTriggered *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
}

// NewMetrics registers all metrics on a private registry
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		memoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_used_percent",
			Help:      "Memory utilization at the last sample.",
		}),
		swapUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swap_used_percent",
			Help:      "Swap utilization at the last sample.",
		}),
		activeDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swap_active_devices",
			Help:      "Number of active swap devices.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Completed control loop iterations.",
		}),
		fatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_errors_total",
			Help:      "Errors that stopped the control loop.",
		}, []string{"stage"}),
		activationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_attempts_total",
			Help:      "Swap activation attempts by device and result.",
		}, []string{"device", "result"}),
		activationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time spent enabling a swap device.",
			Buckets:   prometheus.DefBuckets,
		}),
		thresholdTriggered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold_triggered",
			Help:      "1 if memory utilization is at or above a threshold for the device.",
		}, []string{"device"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served by the health endpoint.",
		}, []string{"path", "status"}),
	}

	collectors := []prometheus.Collector{
		m.memoryUsed,
		m.swapUsed,
		m.activeDevices,
		m.iterations,
		m.fatalErrors,
		m.activationAttempts,
		m.activationDuration,
		m.thresholdTriggered,
		m.httpRequests,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UnmatchedRoute labels requests that matched no registered pattern
const UnmatchedRoute = "other"

// InstrumentHandler wraps next to count requests by route and status.
// next should be an *http.ServeMux; the route is the pattern it matched,
// so unknown paths share a single series.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = UnmatchedRoute
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rw.status)).Inc()
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (m *Metrics) ObserveSample(s sampler.Sample) {
	m.memoryUsed.Set(s.UsedPercent)
	m.swapUsed.Set(s.SwapUsedPercent)
}

func (m *Metrics) ObserveActive(devices []swap.Device) {
	m.activeDevices.Set(float64(len(devices)))
}

// ObserveDecisions sets threshold_triggered for every configured device.
// A device listed by several thresholds is triggered if any of them is.
func (m *Metrics) ObserveDecisions(decisions []policy.Decision) {
	triggered := make(map[string]struct{})
	seen := make(map[string]struct{})
	for _, d := range decisions {
		seen[d.Threshold.Swap] = struct{}{}
		if d.Outcome != policy.OutcomeBelow {
			triggered[d.Threshold.Swap] = struct{}{}
		}
	}
	for device := range seen {
		if _, ok := triggered[device]; ok {
			m.thresholdTriggered.WithLabelValues(device).Set(1)
		} else {
			m.thresholdTriggered.WithLabelValues(device).Set(0)
		}
	}
}

func (m *Metrics) ObserveActivation(a *models.Activation) {
	result := ResultSuccess
	if !a.Succeeded() {
		result = ResultFailure
	}
	m.activationAttempts.WithLabelValues(a.Device, result).Inc()
	m.activationDuration.Observe(float64(a.DurationMs) / 1000)
}

func (m *Metrics) ObserveIteration(controller.Iteration) {
	m.iterations.Inc()
}

func (m *Metrics) ObserveFailure(err *controller.FatalError) {
	m.fatalErrors.WithLabelValues(err.Stage).Inc()
}
