package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no configuration path is given on the command line
const DefaultPath = "/etc/swapdog.json"

// DefaultLockPath is the lock file used when lock_path is not configured
const DefaultLockPath = "/run/swapdog.lock"

// Failure classes returned by Load. Match them with errors.Is.
var (
	ErrNotFound  = errors.New("configuration not found")
	ErrMalformed = errors.New("configuration malformed")
	ErrSchema    = errors.New("configuration violates schema")
)

// LoadError reports which file failed to load and why
type LoadError struct {
	Path string
	Kind error // one of ErrNotFound, ErrMalformed, ErrSchema
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Defaults holds the fallback values for optional run parameters
type Defaults struct {
	Period       float64
	DisableSwaps bool
}

// DefaultValues returns the defaults applied by Load
func DefaultValues() Defaults {
	return Defaults{
		Period:       1.0,
		DisableSwaps: false,
	}
}

// Config represents the daemon configuration. It is built once by Load
// and not modified afterwards.
type Config struct {
	Thresholds []Threshold
	Period     float64 // seconds between samples
	// DisableSwaps is parsed and reported but drives no behavior yet.
	DisableSwaps bool

	LockPath   string
	Logging    LoggingConfig
	Monitoring MonitoringConfig
	Journal    JournalConfig
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: console)
}

// MonitoringConfig contains health endpoint settings
type MonitoringConfig struct {
	HealthAddress string `yaml:"health_address"` // e.g. "127.0.0.1:9101"; empty disables the server
}

// JournalConfig contains activation journal settings
type JournalConfig struct {
	Path string `yaml:"path"` // SQLite database path; empty disables the journal
}

// PeriodDuration returns Period as a time.Duration
func (c *Config) PeriodDuration() time.Duration {
	return time.Duration(c.Period * float64(time.Second))
}

// fileConfig mirrors the on-disk document. Pointers distinguish "not set"
// from an explicit zero value.
type fileConfig struct {
	Thresholds   []fileThreshold  `yaml:"thresholds"`
	Period       *float64         `yaml:"period"`
	DisableSwaps *bool            `yaml:"disable_swaps"`
	LockPath     string           `yaml:"lock_path"`
	Logging      LoggingConfig    `yaml:"logging"`
	Monitoring   MonitoringConfig `yaml:"monitoring"`
	Journal      JournalConfig    `yaml:"journal"`
}

type fileThreshold struct {
	Percentage float64 `yaml:"percentage"`
	Swap       string  `yaml:"swap"`
}

// Load reads, validates and parses the configuration at path. JSON and YAML
// documents are both accepted. A warning is logged for every optional run
// parameter that falls back to its default. If logger is nil the
// slog default logger is used.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Kind: ErrNotFound, Err: err}
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, &LoadError{Path: path, Kind: ErrMalformed, Err: err}
	}
	if doc == nil {
		return nil, &LoadError{Path: path, Kind: ErrMalformed, Err: errors.New("document is empty")}
	}

	// Round-trip through JSON so the schema validator sees plain JSON values
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, &LoadError{Path: path, Kind: ErrSchema, Err: fmt.Errorf("document is not representable as JSON: %w", err)}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return nil, &LoadError{Path: path, Kind: ErrMalformed, Err: err}
	}
	if err := validateDocument(instance); err != nil {
		return nil, &LoadError{Path: path, Kind: ErrSchema, Err: err}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(normalized, &fc); err != nil {
		return nil, &LoadError{Path: path, Kind: ErrSchema, Err: err}
	}

	cfg, err := fc.build(DefaultValues(), logger)
	if err != nil {
		return nil, &LoadError{Path: path, Kind: ErrSchema, Err: err}
	}
	return cfg, nil
}

// decodeDocument parses data as JSON when it looks like a JSON object or
// array, and as YAML otherwise. YAML parsers reject tab indentation, which
// is common in hand-written JSON.
func decodeDocument(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	var doc any
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, errors.New("unexpected data after top-level JSON value")
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// build converts the decoded document into a Config, applying defaults
func (fc *fileConfig) build(defaults Defaults, logger *slog.Logger) (*Config, error) {
	cfg := &Config{
		Thresholds: make([]Threshold, 0, len(fc.Thresholds)),
		LockPath:   fc.LockPath,
		Logging:    fc.Logging,
		Monitoring: fc.Monitoring,
		Journal:    fc.Journal,
	}

	for i, ft := range fc.Thresholds {
		t, err := NewThreshold(ft.Percentage, ft.Swap)
		if err != nil {
			return nil, fmt.Errorf("thresholds[%d]: %w", i, err)
		}
		cfg.Thresholds = append(cfg.Thresholds, t)
	}

	if fc.Period != nil {
		cfg.Period = *fc.Period
	} else {
		cfg.Period = defaults.Period
		logger.Warn("Applying default", slog.String("field", "period"), slog.Float64("value", defaults.Period))
	}

	if fc.DisableSwaps != nil {
		cfg.DisableSwaps = *fc.DisableSwaps
	} else {
		cfg.DisableSwaps = defaults.DisableSwaps
		logger.Warn("Applying default", slog.String("field", "disable_swaps"), slog.Bool("value", defaults.DisableSwaps))
	}

	if cfg.LockPath == "" {
		cfg.LockPath = DefaultLockPath
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants the schema cannot express
func (c *Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("period must be positive, got %v", c.Period)
	}
	// Period must survive conversion to a time.Duration
	if ns := c.Period * float64(time.Second); ns < 1 || ns >= math.MaxInt64 {
		return fmt.Errorf("period %v seconds is outside the representable range", c.Period)
	}
	for i, t := range c.Thresholds {
		if t.Swap == "" {
			return fmt.Errorf("thresholds[%d]: swap is required", i)
		}
	}
	return nil
}
