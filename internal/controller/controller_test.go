package controller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniwha3/swapdog/internal/config"
	"github.com/taniwha3/swapdog/internal/logging"
	"github.com/taniwha3/swapdog/internal/models"
	"github.com/taniwha3/swapdog/internal/policy"
	"github.com/taniwha3/swapdog/internal/sampler"
	"github.com/taniwha3/swapdog/internal/swap"
)

type fakeSwaps struct {
	mu        sync.Mutex
	active    []swap.Device
	listErr   error
	enableErr map[string]error
	enabled   []string
}

func (f *fakeSwaps) Active(ctx context.Context) ([]swap.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]swap.Device(nil), f.active...), nil
}

func (f *fakeSwaps) Enable(ctx context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, device)
	if err := f.enableErr[device]; err != nil {
		return err
	}
	f.active = append(f.active, swap.Device{Name: device})
	return nil
}

func constSampler(pct float64) sampler.Sampler {
	return sampler.Func(func(ctx context.Context) (sampler.Sample, error) {
		return sampler.Sample{UsedPercent: pct}, nil
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Thresholds: []config.Threshold{
			{Percentage: 60, Swap: "/dev/swapA"},
			{Percentage: 85, Swap: "/dev/swapB"},
		},
		Period: 1,
	}
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

type recordingObserver struct {
	NopObserver
	samples     int
	activations []*models.Activation
	iterations  []uint64
	failures    []*FatalError
	decisions   [][]policy.Decision
}

func (r *recordingObserver) ObserveSample(sampler.Sample) { r.samples++ }
func (r *recordingObserver) ObserveDecisions(d []policy.Decision) {
	r.decisions = append(r.decisions, d)
}
func (r *recordingObserver) ObserveActivation(a *models.Activation) {
	r.activations = append(r.activations, a)
}
func (r *recordingObserver) ObserveIteration(it Iteration) {
	r.iterations = append(r.iterations, it.Number)
}
func (r *recordingObserver) ObserveFailure(err *FatalError) { r.failures = append(r.failures, err) }

func TestStep_ActivatesEachTriggeredDeviceInOrder(t *testing.T) {
	swaps := &fakeSwaps{}
	c := New(testConfig(), constSampler(90), swaps, logging.Discard())

	it, err := c.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/swapA", "/dev/swapB"}, swaps.enabled)
	assert.Len(t, it.Activations, 2)
	assert.Equal(t, uint64(1), it.Number)
	assert.Equal(t, 90.0, it.Sample.UsedPercent)

	// Both devices are now active: nothing more to do
	it, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, it.Activations)
	assert.Len(t, swaps.enabled, 2)
	assert.Equal(t, uint64(2), c.Iterations())
}

func TestStep_ActivationFailureIsRetriedNextIteration(t *testing.T) {
	swaps := &fakeSwaps{enableErr: map[string]error{"/dev/swapB": errors.New("device busy")}}
	c := New(testConfig(), constSampler(90), swaps, logging.Discard())

	it, err := c.Step(context.Background())
	require.NoError(t, err, "activation failures must not be fatal")
	require.Len(t, it.Activations, 2)
	assert.True(t, it.Activations[0].Succeeded())
	assert.False(t, it.Activations[1].Succeeded())
	assert.Equal(t, "device busy", it.Activations[1].Error)

	_, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/swapA", "/dev/swapB", "/dev/swapB"}, swaps.enabled)
}

func TestStep_BelowThresholdDoesNothing(t *testing.T) {
	swaps := &fakeSwaps{}
	c := New(testConfig(), constSampler(59.9), swaps, logging.Discard())

	it, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swaps.enabled)
	require.Len(t, it.Decisions, 2)
	assert.Equal(t, policy.OutcomeBelow, it.Decisions[0].Outcome)
	assert.Equal(t, policy.OutcomeBelow, it.Decisions[1].Outcome)
}

func TestStep_EmptyThresholds(t *testing.T) {
	swaps := &fakeSwaps{}
	c := New(&config.Config{Period: 1}, constSampler(100), swaps, logging.Discard())

	it, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, it.Activations)
	assert.Empty(t, swaps.enabled)
}

func TestStep_SampleFailureIsFatal(t *testing.T) {
	swaps := &fakeSwaps{}
	s := sampler.Func(func(ctx context.Context) (sampler.Sample, error) {
		return sampler.Sample{}, errors.New("meminfo unreadable")
	})
	obs := &recordingObserver{}
	c := New(testConfig(), s, swaps, logging.Discard(), WithObservers(obs))

	_, err := c.Step(context.Background())
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StageSample, fatal.Stage)
	assert.Contains(t, err.Error(), "meminfo unreadable")
	assert.Empty(t, swaps.enabled)
	assert.Len(t, obs.failures, 1)
	assert.Zero(t, c.Iterations())
}

func TestStep_ListSwapsFailureIsFatal(t *testing.T) {
	listErr := errors.New("permission denied")
	swaps := &fakeSwaps{listErr: listErr}
	c := New(testConfig(), constSampler(90), swaps, logging.Discard())

	_, err := c.Step(context.Background())
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StageListSwaps, fatal.Stage)
	assert.ErrorIs(t, err, listErr)
	assert.Empty(t, swaps.enabled)
}

func TestStep_RunIDFromContext(t *testing.T) {
	obs := &recordingObserver{}
	c := New(testConfig(), constSampler(70), &fakeSwaps{}, logging.Discard(), WithObservers(obs))

	ctx := logging.WithRunID(context.Background(), "run-ctx")
	_, err := c.Step(ctx)
	require.NoError(t, err)

	require.Len(t, obs.activations, 1)
	assert.Equal(t, "run-ctx", obs.activations[0].RunID)
}

func TestStep_RunIDOptionWins(t *testing.T) {
	obs := &recordingObserver{}
	c := New(testConfig(), constSampler(70), &fakeSwaps{}, logging.Discard(), WithObservers(obs), WithRunID("run-opt"))

	_, err := c.Step(logging.WithRunID(context.Background(), "run-ctx"))
	require.NoError(t, err)

	require.Len(t, obs.activations, 1)
	assert.Equal(t, "run-opt", obs.activations[0].RunID)
}

func TestStep_NotifiesObservers(t *testing.T) {
	swaps := &fakeSwaps{}
	obs := &recordingObserver{}
	c := New(testConfig(), constSampler(70), swaps, logging.Discard(), WithObservers(obs), WithRunID("run-7"))

	_, err := c.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, obs.samples)
	assert.Equal(t, []uint64{1}, obs.iterations)
	require.Len(t, obs.decisions, 1)
	assert.Len(t, obs.decisions[0], 2)
	require.Len(t, obs.activations, 1)
	assert.Equal(t, "/dev/swapA", obs.activations[0].Device)
	assert.Equal(t, "run-7", obs.activations[0].RunID)
	assert.Equal(t, 60.0, obs.activations[0].ThresholdPercent)
	assert.Equal(t, 70.0, obs.activations[0].UsedPercent)
}

func TestStep_UsesInjectedClock(t *testing.T) {
	base := time.Date(2025, 10, 11, 12, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 10 * time.Millisecond)
	}
	swaps := &fakeSwaps{}
	cfg := &config.Config{Thresholds: []config.Threshold{{Percentage: 0, Swap: "/dev/swapA"}}, Period: 1}
	c := New(cfg, constSampler(1), swaps, logging.Discard(), WithClock(clock))

	it, err := c.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, it.Activations, 1)
	assert.Equal(t, int64(10), it.Activations[0].DurationMs)
	assert.True(t, it.Finished.After(it.Started))
}

func TestStep_LogsActivationFailureAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON, Output: &buf})
	swaps := &fakeSwaps{enableErr: map[string]error{"/dev/swapA": errors.New("invalid argument")}}
	cfg := &config.Config{Thresholds: []config.Threshold{{Percentage: 10, Swap: "/dev/swapA"}}, Period: 1}
	c := New(cfg, constSampler(50), swaps, logger)

	_, err := c.Step(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"Swap activation failed"`)
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"msg":"Threshold evaluated"`)
	assert.Contains(t, out, `"outcome":"activate"`)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	swaps := &fakeSwaps{}
	var slept []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 3 {
			cancel()
		}
		return ctx.Err()
	}
	cfg := testConfig()
	cfg.Period = 2.5
	c := New(cfg, constSampler(10), swaps, logging.Discard(), WithSleeper(sleeper))

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, uint64(3), c.Iterations())
	for _, d := range slept {
		assert.Equal(t, 2500*time.Millisecond, d)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	s := sampler.Func(func(ctx context.Context) (sampler.Sample, error) {
		called = true
		return sampler.Sample{}, nil
	})
	c := New(testConfig(), s, &fakeSwaps{}, logging.Discard(), WithSleeper(noSleep))

	require.NoError(t, c.Run(ctx))
	assert.False(t, called)
	assert.Zero(t, c.Iterations())
}

func TestRun_ReturnsFatalError(t *testing.T) {
	n := 0
	s := sampler.Func(func(ctx context.Context) (sampler.Sample, error) {
		n++
		if n == 3 {
			return sampler.Sample{}, errors.New("sampler gone")
		}
		return sampler.Sample{UsedPercent: 10}, nil
	})
	c := New(testConfig(), s, &fakeSwaps{}, logging.Discard(), WithSleeper(noSleep))

	err := c.Run(context.Background())
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StageSample, fatal.Stage)
	assert.Equal(t, uint64(2), c.Iterations())
}

func TestRun_CancellationDuringSampleIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := sampler.Func(func(ctx context.Context) (sampler.Sample, error) {
		cancel()
		return sampler.Sample{}, ctx.Err()
	})
	c := New(testConfig(), s, &fakeSwaps{}, logging.Discard(), WithSleeper(noSleep))

	assert.NoError(t, c.Run(ctx))
}

func TestNew_CopiesThresholds(t *testing.T) {
	cfg := testConfig()
	swaps := &fakeSwaps{}
	c := New(cfg, constSampler(70), swaps, logging.Discard())

	cfg.Thresholds[0].Swap = "/dev/other"

	_, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/swapA"}, swaps.enabled)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFatalErrorMessage(t *testing.T) {
	err := &FatalError{Stage: StageListSwaps, Err: errors.New("boom")}
	assert.True(t, strings.HasPrefix(err.Error(), "list_swaps failed"))
}

func TestNew_NilLoggerUsesDefault(t *testing.T) {
	prev := logging.Default()
	defer logging.SetDefault(prev)
	logging.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	c := New(testConfig(), constSampler(0), &fakeSwaps{}, nil)
	_, err := c.Step(context.Background())
	assert.NoError(t, err)
}
