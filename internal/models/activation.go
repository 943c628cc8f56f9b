package models

import "time"

// Activation records one attempt to enable a swap device
type Activation struct {
	TimestampMs      int64   // Unix timestamp in milliseconds
	RunID            string  // Identifier of the daemon run that made the attempt
	Device           string  // Canonical device path
	ThresholdPercent float64 // Threshold that triggered the attempt
	UsedPercent      float64 // Memory utilization at decision time
	DurationMs       int64   // Time spent in swapon
	Error            string  // Empty on success
}

// NewActivation creates an activation record with the current timestamp
func NewActivation(runID, device string, thresholdPct, usedPct float64) *Activation {
	return &Activation{
		TimestampMs:      time.Now().UnixMilli(),
		RunID:            runID,
		Device:           device,
		ThresholdPercent: thresholdPct,
		UsedPercent:      usedPct,
	}
}

// WithTimestamp sets a specific timestamp
func (a *Activation) WithTimestamp(ts time.Time) *Activation {
	a.TimestampMs = ts.UnixMilli()
	return a
}

// Finish stores the attempt duration and error
func (a *Activation) Finish(duration time.Duration, err error) *Activation {
	a.DurationMs = duration.Milliseconds()
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Succeeded reports whether the device was enabled
func (a *Activation) Succeeded() bool {
	return a.Error == ""
}

// Time returns the timestamp as a time.Time
func (a *Activation) Time() time.Time {
	return time.UnixMilli(a.TimestampMs)
}
