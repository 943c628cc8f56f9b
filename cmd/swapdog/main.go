package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/taniwha3/swapdog/internal/config"
	"github.com/taniwha3/swapdog/internal/controller"
	"github.com/taniwha3/swapdog/internal/health"
	"github.com/taniwha3/swapdog/internal/lockfile"
	"github.com/taniwha3/swapdog/internal/logging"
	"github.com/taniwha3/swapdog/internal/monitoring"
	"github.com/taniwha3/swapdog/internal/sampler"
	"github.com/taniwha3/swapdog/internal/storage"
	"github.com/taniwha3/swapdog/internal/swap"
	"github.com/taniwha3/swapdog/internal/watchdog"
)

var appVersion = "dev" // Set by -ldflags during build

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the parsed command line
type options struct {
	configPath string
	version    bool
	history    int
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("swapdog", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	fs.IntVar(&opts.history, "history", 0, "Print the last N journaled activation attempts and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: swapdog [-version] [-history N] [config-path]\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return opts, fmt.Errorf("%w: expected at most one config path, got %d arguments", errUsage, fs.NArg())
	}
	if opts.history < 0 {
		return opts, fmt.Errorf("%w: -history must not be negative", errUsage)
	}
	opts.configPath = fs.Arg(0)
	return opts, nil
}

// run executes the daemon and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		fmt.Fprintln(stderr, err)
		return ExitCode(err)
	}

	if opts.version {
		fmt.Fprintf(stdout, "swapdog %s\n", appVersion)
		return ExitOK
	}

	// Logger until the configuration says otherwise
	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatConsole, Output: stderr})

	if opts.configPath == "" {
		opts.configPath = config.DefaultPath
		bootLogger.Warn("No configuration path given, using default", slog.String("path", opts.configPath))
	}

	cfg, err := config.Load(opts.configPath, bootLogger)
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.String("error", err.Error()), slog.String("path", opts.configPath))
		return ExitCode(err)
	}

	logger := logging.New(logging.Config{
		Level:  logLevel(cfg),
		Format: logFormat(cfg),
		Output: stderr,
	})

	if opts.history > 0 {
		if err := showHistory(ctx, cfg, stdout, opts.history, logger); err != nil {
			logger.Error("Failed to read activation history", slog.String("error", err.Error()))
			return ExitCode(err)
		}
		return ExitOK
	}

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		return ExitCode(err)
	}
	return ExitOK
}

func showHistory(ctx context.Context, cfg *config.Config, stdout io.Writer, limit int, logger *slog.Logger) error {
	if cfg.Journal.Path == "" {
		return fmt.Errorf("%w: -history requires journal.path in the configuration", errUsage)
	}
	journal, err := storage.NewJournal(cfg.Journal.Path, logger)
	if err != nil {
		return err
	}
	defer journal.Close()
	return printHistory(ctx, stdout, journal, limit)
}

// serve runs the control loop until ctx is cancelled or the loop fails
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))
	logging.SetDefault(logger)
	ctx = logging.WithRunID(ctx, runID)

	logger.Info("Starting swapdog",
		slog.String("version", appVersion),
		slog.Bool("systemd", watchdog.IsRunningUnderSystemd()),
	)
	logger.Info("Configuration loaded",
		slog.String("path", configPath),
		slog.Float64("period_seconds", cfg.Period),
		slog.Int("thresholds", len(cfg.Thresholds)),
		slog.Bool("disable_swaps", cfg.DisableSwaps),
		slog.String("lock_path", cfg.LockPath),
		slog.String("journal_path", cfg.Journal.Path),
		slog.String("health_address", cfg.Monitoring.HealthAddress),
	)
	for i, t := range cfg.Thresholds {
		logger.LogAttrs(ctx, slog.LevelInfo, "Threshold configured", logging.ThresholdAttrs(i, t.Percentage, t.Swap)...)
	}
	if cfg.DisableSwaps {
		logger.Warn("disable_swaps is set but deactivation is not implemented; ignoring")
	}

	lock, err := lockfile.Acquire(cfg.LockPath)
	if err != nil {
		logger.Error("Failed to acquire process lock",
			slog.String("error", err.Error()),
			slog.String("lock_path", cfg.LockPath),
		)
		return err
	}
	defer lock.Release()
	logger.Info("Process lock acquired", slog.String("lock_path", lock.Path()))

	swaps := swap.NewManager(swap.ManagerConfig{})
	active, err := swaps.Active(ctx)
	if err != nil {
		logger.Error("Failed to read swap state", slog.String("error", err.Error()))
		return &controller.FatalError{Stage: controller.StageListSwaps, Err: err}
	}
	for _, d := range active {
		logger.Info("Swap device active",
			slog.String("device", d.Name),
			slog.String("type", d.Type),
			slog.String("size", humanize.IBytes(d.SizeBytes)),
			slog.String("used", humanize.IBytes(d.UsedBytes)),
			slog.Int("priority", d.Priority),
		)
	}

	metrics, err := monitoring.NewMetrics()
	if err != nil {
		logger.Error("Failed to register metrics", slog.String("error", err.Error()))
		return err
	}
	checker := health.NewChecker(health.ThresholdsFromPeriod(cfg.PeriodDuration()))
	pinger := watchdog.NewPinger(logger)
	if pinger.IsEnabled() {
		logger.Info("Watchdog pings follow loop iterations",
			slog.Duration("ping_interval", pinger.GetInterval()),
			slog.Duration("period", cfg.PeriodDuration()),
		)
		pinger.CheckPeriod(cfg.PeriodDuration())
	}

	observers := []controller.Observer{metrics, checker, pinger}

	if cfg.Journal.Path != "" {
		journal, err := storage.NewJournal(cfg.Journal.Path, logger)
		if err != nil {
			logger.Error("Failed to open activation journal",
				slog.String("error", err.Error()),
				slog.String("path", cfg.Journal.Path),
			)
			return err
		}
		defer journal.Close()
		observers = append(observers, journal)
		logJournalState(ctx, journal, cfg.Thresholds, logger)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if addr := cfg.Monitoring.HealthAddress; addr != "" {
		handler := metrics.InstrumentHandler(checker.Mux(metrics.Handler()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting health server", slog.String("address", addr))
			if err := health.StartHTTPServer(ctx, addr, handler); err != nil {
				logger.Error("Health server error", slog.String("error", err.Error()))
			}
		}()
	}

	ctl := controller.New(cfg, sampler.NewMemory(), swaps, logger,
		controller.WithObservers(observers...),
	)

	pinger.NotifyReady()
	err = ctl.Run(ctx)
	pinger.NotifyStopping()

	cancel()
	wg.Wait()

	if err != nil {
		logger.Error("Stopping after fatal error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Shutdown complete", slog.Uint64("iterations", ctl.Iterations()))
	return nil
}

// logJournalState reports prior failures for configured devices
func logJournalState(ctx context.Context, journal *storage.Journal, thresholds []config.Threshold, logger *slog.Logger) {
	total, err := journal.Count(ctx)
	if err != nil {
		logger.Warn("Failed to read activation journal", slog.String("error", err.Error()))
		return
	}
	logger.Info("Activation journal opened", slog.Int64("records", total))

	seen := make(map[string]struct{})
	for _, t := range thresholds {
		if _, ok := seen[t.Swap]; ok {
			continue
		}
		seen[t.Swap] = struct{}{}

		failures, err := journal.CountFailures(ctx, t.Swap)
		if err != nil {
			logger.Warn("Failed to count journaled failures", slog.String("device", t.Swap), slog.String("error", err.Error()))
			continue
		}
		if failures > 0 {
			logger.Warn("Device has failed activations on record",
				slog.String("device", t.Swap),
				slog.Int64("failures", failures),
			)
		}
	}
}

func logLevel(cfg *config.Config) logging.Level {
	if cfg.Logging.Level != "" {
		return logging.Level(cfg.Logging.Level)
	}
	return logging.LevelInfo
}

func logFormat(cfg *config.Config) logging.Format {
	if cfg.Logging.Format != "" {
		return logging.Format(cfg.Logging.Format)
	}
	return logging.FormatConsole
}
