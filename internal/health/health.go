package health

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/taniwha3/swapdog/internal/controller"
	"github.com/taniwha3/swapdog/internal/models"
	"github.com/taniwha3/swapdog/internal/policy"
	"github.com/taniwha3/swapdog/internal/sampler"
	"github.com/taniwha3/swapdog/internal/swap"
)

// Status represents the overall health status
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Component names
const (
	ComponentSampler          = "sampler"
	ComponentSwaps            = "swaps"
	ComponentLoop             = "loop"
	ComponentActivationPrefix = "activation."
)

// ComponentStatus represents the health of a single component
type ComponentStatus struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthReport represents the complete health status of the daemon
type HealthReport struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	Uptime     float64                    `json:"uptime_seconds"`
}

// Thresholds defines health status thresholds
type Thresholds struct {
	// LoopStaleAfter marks the loop degraded when no iteration completed
	// within this window
	LoopStaleAfter time.Duration `json:"loop_stale_after"`
}

const minLoopStaleAfter = 3 * time.Second

// ThresholdsFromPeriod derives thresholds from the control loop period
func ThresholdsFromPeriod(period time.Duration) Thresholds {
	if period > math.MaxInt64/3 {
		return Thresholds{LoopStaleAfter: math.MaxInt64}
	}
	return Thresholds{LoopStaleAfter: max(3*period, minLoopStaleAfter)}
}

// Checker tracks component health. It implements controller.Observer and
// is safe for concurrent use by the loop and the HTTP server.
type Checker struct {
	controller.NopObserver

	mu            sync.RWMutex
	components    map[string]ComponentStatus
	failures      map[string]int // consecutive activation failures by device
	startTime     time.Time
	lastIteration time.Time
	iterations    uint64
	thresholds    Thresholds
	now           func() time.Time
}

// NewChecker creates a new health checker
func NewChecker(thresholds Thresholds) *Checker {
	return &Checker{
		components: make(map[string]ComponentStatus),
		failures:   make(map[string]int),
		startTime:  time.Now(),
		thresholds: thresholds,
		now:        time.Now,
	}
}

// UpdateComponent updates the status of a specific component
func (c *Checker) UpdateComponent(name string, status ComponentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status.Timestamp = c.now()
	c.components[name] = status
}

func (c *Checker) ObserveSample(s sampler.Sample) {
	c.UpdateComponent(ComponentSampler, ComponentStatus{
		Status:  StatusOK,
		Message: "sampling memory",
		Details: map[string]any{
			"memory_used_percent": s.UsedPercent,
			"swap_used_percent":   s.SwapUsedPercent,
		},
	})
}

func (c *Checker) ObserveActive(devices []swap.Device) {
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	c.UpdateComponent(ComponentSwaps, ComponentStatus{
		Status:  StatusOK,
		Message: "reading swap state",
		Details: map[string]any{
			"active_devices": names,
		},
	})
}

// ObserveDecisions clears a failing device once it turns up active, since
// the loop will not attempt it again
func (c *Checker) ObserveDecisions(decisions []policy.Decision) {
	for _, d := range decisions {
		if d.Outcome != policy.OutcomeAlreadyActive {
			continue
		}
		device := d.Threshold.Swap

		c.mu.Lock()
		_, failing := c.failures[device]
		delete(c.failures, device)
		c.mu.Unlock()

		if failing {
			c.UpdateComponent(ComponentActivationPrefix+device, ComponentStatus{
				Status:  StatusOK,
				Message: "swap device active",
				Details: map[string]any{
					"consecutive_failures": 0,
					"threshold_percent":    d.Threshold.Percentage,
				},
			})
		}
	}
}

// ObserveActivation marks a device degraded while its activation keeps
// failing and OK once it succeeds
func (c *Checker) ObserveActivation(a *models.Activation) {
	c.mu.Lock()
	if a.Succeeded() {
		delete(c.failures, a.Device)
	} else {
		c.failures[a.Device]++
	}
	consecutive := c.failures[a.Device]
	c.mu.Unlock()

	status := ComponentStatus{
		Status:  StatusOK,
		Message: "swap device activated",
		Details: map[string]any{
			"consecutive_failures": consecutive,
			"threshold_percent":    a.ThresholdPercent,
		},
	}
	if !a.Succeeded() {
		status.Status = StatusDegraded
		status.Message = a.Error
	}
	c.UpdateComponent(ComponentActivationPrefix+a.Device, status)
}

func (c *Checker) ObserveIteration(it controller.Iteration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastIteration = c.now()
	c.iterations = it.Number
}

// ObserveFailure marks the component behind a fatal loop error as failed
func (c *Checker) ObserveFailure(err *controller.FatalError) {
	name := ComponentSampler
	if err.Stage == controller.StageListSwaps {
		name = ComponentSwaps
	}
	c.UpdateComponent(name, ComponentStatus{
		Status:  StatusError,
		Message: err.Error(),
	})
}

// loopStatus derives the loop component from the last completed iteration.
// Callers must hold c.mu.
func (c *Checker) loopStatus(now time.Time) ComponentStatus {
	status := ComponentStatus{
		Status:    StatusOK,
		Message:   "iterating",
		Timestamp: now,
		Details: map[string]any{
			"iterations": c.iterations,
		},
	}

	last := c.lastIteration
	if last.IsZero() {
		last = c.startTime
		status.Message = "starting"
	} else {
		status.Details["last_iteration"] = c.lastIteration.Format(time.RFC3339)
	}

	if stale := c.thresholds.LoopStaleAfter; stale > 0 && now.Sub(last) > stale {
		status.Status = StatusDegraded
		status.Message = "no iteration completed within threshold"
	}
	return status
}

// GetReport generates a complete health report
func (c *Checker) GetReport() HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	components := make(map[string]ComponentStatus, len(c.components)+1)
	for k, v := range c.components {
		components[k] = v
	}
	components[ComponentLoop] = c.loopStatus(now)

	return HealthReport{
		Status:     calculateOverallStatus(components),
		Timestamp:  now,
		Components: components,
		Uptime:     now.Sub(c.startTime).Seconds(),
	}
}

// calculateOverallStatus is error if any component is in error, degraded
// if any is degraded and ok otherwise
func calculateOverallStatus(components map[string]ComponentStatus) Status {
	overall := StatusOK
	for _, component := range components {
		switch component.Status {
		case StatusError:
			return StatusError
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// DegradedComponents returns the sorted names of components not in OK state
func (r HealthReport) DegradedComponents() []string {
	var names []string
	for name, component := range r.Components {
		if component.Status != StatusOK {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HTTPHandler creates an HTTP handler for the health endpoint
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.GetReport()

		w.Header().Set("Content-Type", "application/json")

		// Degraded still returns 200
		if report.Status == StatusError {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler returns a simple liveness probe (always returns 200 if process is running)
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe (200 only if status is OK)
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.GetReport()

		w.Header().Set("Content-Type", "application/json")

		if report.Status == StatusOK {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
			})
			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "not_ready",
			"message":        "daemon is not in OK state",
			"current_status": string(report.Status),
			"components":     report.DegradedComponents(),
		})
	}
}

// Mux returns the health routes. metrics is mounted at /metrics when non-nil.
func (c *Checker) Mux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/health/live", c.LivenessHandler())
	mux.HandleFunc("/health/ready", c.ReadinessHandler())
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

// StartHTTPServer serves handler on addr until ctx is cancelled
func StartHTTPServer(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
