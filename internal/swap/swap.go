// Package swap lists and activates swap devices.
package swap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const (
	// DefaultSwapsPath is the kernel's table of active swap areas
	DefaultSwapsPath = "/proc/swaps"

	// DefaultSwaponPath is resolved through $PATH when not absolute
	DefaultSwaponPath = "swapon"
)

// Device is one active swap area as reported by the kernel
type Device struct {
	Name      string // canonical path
	Type      string // "partition" or "file"
	SizeBytes uint64
	UsedBytes uint64
	Priority  int
}

// Set is the set of active device names
type Set map[string]struct{}

// NewSet builds a Set from devices
func NewSet(devices []Device) Set {
	s := make(Set, len(devices))
	for _, d := range devices {
		s[d.Name] = struct{}{}
	}
	return s
}

// Contains reports whether name is active
func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Runner executes a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager reads the active swap table and enables devices via swapon(8)
type Manager struct {
	swapsPath  string
	swaponPath string
	run        Runner
}

// ManagerConfig configures a Manager. Zero values select the defaults.
type ManagerConfig struct {
	SwapsPath  string
	SwaponPath string
	Runner     Runner
}

// NewManager creates a new swap manager
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		swapsPath:  cfg.SwapsPath,
		swaponPath: cfg.SwaponPath,
		run:        cfg.Runner,
	}
	if m.swapsPath == "" {
		m.swapsPath = DefaultSwapsPath
	}
	if m.swaponPath == "" {
		m.swaponPath = DefaultSwaponPath
	}
	if m.run == nil {
		m.run = execRunner
	}
	return m
}

// Active returns the swap devices currently enabled
func (m *Manager) Active(ctx context.Context) ([]Device, error) {
	f, err := os.Open(m.swapsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", m.swapsPath, err)
	}
	defer f.Close()

	devices, err := ParseSwaps(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", m.swapsPath, err)
	}
	return devices, nil
}

// Enable activates device. The error includes swapon's output.
func (m *Manager) Enable(ctx context.Context, device string) error {
	out, err := m.run(ctx, m.swaponPath, device)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("swapon %s: %w: %s", device, err, msg)
		}
		return fmt.Errorf("swapon %s: %w", device, err)
	}
	return nil
}

// ParseSwaps parses the /proc/swaps format:
//
//	Filename        Type       Size     Used  Priority
//	/dev/sda2       partition  8388604  0     -2
//
// Sizes are reported in KiB and converted to bytes.
func ParseSwaps(r io.Reader) ([]Device, error) {
	var devices []Device
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if line == 1 && bytes.HasPrefix(text, []byte("Filename")) {
			continue
		}
		fields := strings.Fields(string(text))
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("line %d: expected 5 fields, got %d", line, len(fields))
		}

		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid size %q: %w", line, fields[2], err)
		}
		used, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid used %q: %w", line, fields[3], err)
		}
		prio, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid priority %q: %w", line, fields[4], err)
		}

		devices = append(devices, Device{
			Name:      unescapeOctal(fields[0]),
			Type:      fields[1],
			SizeBytes: size * 1024,
			UsedBytes: used * 1024,
			Priority:  prio,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

// unescapeOctal decodes the \ooo escapes the kernel uses for whitespace
// and backslashes in paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
