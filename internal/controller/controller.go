// Package controller drives the sample, evaluate, activate and sleep cycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taniwha3/swapdog/internal/config"
	"github.com/taniwha3/swapdog/internal/logging"
	"github.com/taniwha3/swapdog/internal/models"
	"github.com/taniwha3/swapdog/internal/policy"
	"github.com/taniwha3/swapdog/internal/sampler"
	"github.com/taniwha3/swapdog/internal/swap"
)

// Stages at which a fatal error can occur
const (
	StageSample    = "sample"
	StageListSwaps = "list_swaps"
)

// FatalError is returned by Step and Run when a collaborator the loop
// cannot work without fails. Activation failures are never fatal.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// SwapSource lists active swap devices and enables new ones
type SwapSource interface {
	Active(ctx context.Context) ([]swap.Device, error)
	Enable(ctx context.Context, device string) error
}

// Sleeper blocks for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Iteration summarizes one completed cycle
type Iteration struct {
	Number      uint64
	Started     time.Time
	Finished    time.Time
	Sample      sampler.Sample
	Active      []swap.Device
	Decisions   []policy.Decision
	Activations []*models.Activation
}

// Controller runs the control loop for one configuration
type Controller struct {
	thresholds []config.Threshold
	period     time.Duration
	sampler    sampler.Sampler
	swaps      SwapSource
	logger     *slog.Logger
	observers  []Observer
	sleep      Sleeper
	now        func() time.Time
	runID      string
	iterations uint64
}

// Option configures a Controller
type Option func(*Controller)

// WithSleeper replaces the inter-iteration sleep
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithObservers registers observers notified of loop events
func WithObservers(observers ...Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, observers...) }
}

// WithRunID tags activation records with runID. Without it the run id
// stored in the context by logging.WithRunID is used.
func WithRunID(runID string) Option {
	return func(c *Controller) { c.runID = runID }
}

// New creates a controller. cfg is read once; later changes are not observed.
func New(cfg *config.Config, s sampler.Sampler, swaps SwapSource, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Controller{
		thresholds: append([]config.Threshold(nil), cfg.Thresholds...),
		period:     cfg.PeriodDuration(),
		sampler:    s,
		swaps:      swaps,
		logger:     logger,
		sleep:      Sleep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run repeats Step and sleeps for the configured period between
// iterations. It returns nil once ctx is cancelled and a *FatalError if
// sampling or listing swap devices fails.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Control loop started",
		slog.Duration("period", c.period),
		slog.Int("thresholds", len(c.thresholds)),
	)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Control loop stopped", slog.Uint64("iterations", c.iterations))
			return nil
		}

		if _, err := c.Step(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Control loop stopped", slog.Uint64("iterations", c.iterations))
				return nil
			}
			return err
		}

		if err := c.sleep(ctx, c.period); err != nil {
			c.logger.Info("Control loop stopped", slog.Uint64("iterations", c.iterations))
			return nil
		}
	}
}

// Step runs a single sample, evaluate and activate cycle without sleeping
func (c *Controller) Step(ctx context.Context) (Iteration, error) {
	it := Iteration{Number: c.iterations + 1, Started: c.now()}

	sample, err := c.sampler.Sample(ctx)
	if err != nil {
		return it, c.fail(StageSample, err)
	}
	it.Sample = sample
	c.logger.Debug("Memory sampled",
		slog.Uint64("iteration", it.Number),
		slog.Float64("memory_used_percent", sample.UsedPercent),
		slog.Float64("swap_used_percent", sample.SwapUsedPercent),
	)
	for _, o := range c.observers {
		o.ObserveSample(sample)
	}

	active, err := c.swaps.Active(ctx)
	if err != nil {
		return it, c.fail(StageListSwaps, err)
	}
	it.Active = active
	for _, o := range c.observers {
		o.ObserveActive(active)
	}

	it.Decisions = policy.Decide(sample.UsedPercent, c.thresholds, swap.NewSet(active))
	for i, d := range it.Decisions {
		attrs := logging.ThresholdAttrs(i, d.Threshold.Percentage, d.Threshold.Swap)
		attrs = append(attrs, slog.String("outcome", string(d.Outcome)))
		c.logger.LogAttrs(ctx, slog.LevelDebug, "Threshold evaluated", attrs...)
	}
	for _, o := range c.observers {
		o.ObserveDecisions(it.Decisions)
	}

	for _, d := range it.Decisions {
		if d.Outcome != policy.OutcomeActivate {
			continue
		}
		it.Activations = append(it.Activations, c.activate(ctx, d.Threshold, sample.UsedPercent))
	}

	c.iterations++
	it.Finished = c.now()
	for _, o := range c.observers {
		o.ObserveIteration(it)
	}
	return it, nil
}

// activate enables one device. Errors are recorded and logged, not returned.
func (c *Controller) activate(ctx context.Context, t config.Threshold, usedPct float64) *models.Activation {
	runID := c.runID
	if runID == "" {
		runID = logging.RunID(ctx)
	}
	a := models.NewActivation(runID, t.Swap, t.Percentage, usedPct).WithTimestamp(c.now())

	c.logger.Info("Activating swap device",
		slog.String("device", t.Swap),
		slog.Float64("threshold_percent", t.Percentage),
		slog.Float64("memory_used_percent", usedPct),
	)

	start := c.now()
	err := c.swaps.Enable(ctx, t.Swap)
	duration := c.now().Sub(start)
	a.Finish(duration, err)

	logging.LogActivation(c.logger, t.Swap, t.Percentage, usedPct, duration, err)
	for _, o := range c.observers {
		o.ObserveActivation(a)
	}
	return a
}

func (c *Controller) fail(stage string, err error) error {
	fatal := &FatalError{Stage: stage, Err: err}
	if !errors.Is(err, context.Canceled) {
		attrs := append([]slog.Attr{slog.String("stage", stage)}, logging.ErrorAttrs(err)...)
		c.logger.LogAttrs(context.Background(), slog.LevelError, "Control loop failed", attrs...)
	}
	for _, o := range c.observers {
		o.ObserveFailure(fatal)
	}
	return fatal
}

// Iterations reports how many cycles have completed
func (c *Controller) Iterations() uint64 {
	return c.iterations
}
