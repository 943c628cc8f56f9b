// Package policy decides which thresholds need a swap activation attempt.
//
// Decisions are derived only from the current sample and the live set of
// active devices. No state is carried between calls, so a device that was
// deactivated externally is picked up again on the next evaluation.
package policy

import (
	"github.com/taniwha3/swapdog/internal/config"
	"github.com/taniwha3/swapdog/internal/swap"
)

// Outcome is the result of evaluating one threshold
type Outcome string

const (
	// OutcomeBelow means utilization has not reached the threshold
	OutcomeBelow Outcome = "below_threshold"
	// OutcomeAlreadyActive means the threshold is reached but its device is already enabled
	OutcomeAlreadyActive Outcome = "already_active"
	// OutcomeActivate means the device must be enabled
	OutcomeActivate Outcome = "activate"
)

// Decision pairs a threshold with its outcome
type Decision struct {
	Threshold config.Threshold
	Outcome   Outcome
}

// Decide evaluates every threshold against current and active, in order
func Decide(current float64, thresholds []config.Threshold, active swap.Set) []Decision {
	decisions := make([]Decision, 0, len(thresholds))
	for _, t := range thresholds {
		d := Decision{Threshold: t}
		switch {
		case current < t.Percentage:
			d.Outcome = OutcomeBelow
		case active.Contains(t.Swap):
			d.Outcome = OutcomeAlreadyActive
		default:
			d.Outcome = OutcomeActivate
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// Evaluate returns the thresholds requiring activation, preserving order.
// A threshold qualifies when current >= its percentage and its device is
// not in active.
func Evaluate(current float64, thresholds []config.Threshold, active swap.Set) []config.Threshold {
	var out []config.Threshold
	for _, d := range Decide(current, thresholds, active) {
		if d.Outcome == OutcomeActivate {
			out = append(out, d.Threshold)
		}
	}
	return out
}
