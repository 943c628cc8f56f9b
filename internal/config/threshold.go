package config

import (
	"fmt"
	"path/filepath"
)

// Threshold activates Swap once memory utilization reaches Percentage.
// Percentage has no upper bound; values above 100 never trigger.
type Threshold struct {
	Percentage float64
	Swap       string // canonical path
}

// NewThreshold builds a Threshold with its device path canonicalized, so it
// compares equal to the names the kernel reports for active swap devices.
func NewThreshold(percentage float64, swap string) (Threshold, error) {
	if swap == "" {
		return Threshold{}, fmt.Errorf("swap device path is empty")
	}
	canonical, err := Canonicalize(swap)
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{Percentage: percentage, Swap: canonical}, nil
}

// String implements fmt.Stringer
func (t Threshold) String() string {
	return fmt.Sprintf("%g%% -> %s", t.Percentage, t.Swap)
}

// Canonicalize returns the absolute, symlink-free form of path. Devices that
// do not exist yet still canonicalize: the longest existing prefix is
// resolved and the remainder is appended lexically.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to make %q absolute: %w", path, err)
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir, rest := abs, ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
	}
}
