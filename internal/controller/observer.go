package controller

import (
	"github.com/taniwha3/swapdog/internal/models"
	"github.com/taniwha3/swapdog/internal/policy"
	"github.com/taniwha3/swapdog/internal/sampler"
	"github.com/taniwha3/swapdog/internal/swap"
)

// Observer receives loop events. Implementations must not block: they run
// on the loop goroutine between steps.
type Observer interface {
	ObserveSample(s sampler.Sample)
	ObserveActive(devices []swap.Device)
	ObserveDecisions(decisions []policy.Decision)
	ObserveActivation(a *models.Activation)
	ObserveIteration(it Iteration)
	ObserveFailure(err *FatalError)
}

// NopObserver implements Observer with no-op methods. Embed it to
// implement only the events of interest.
type NopObserver struct{}

func (NopObserver) ObserveSample(sampler.Sample)         {}
func (NopObserver) ObserveActive([]swap.Device)          {}
func (NopObserver) ObserveDecisions([]policy.Decision)   {}
func (NopObserver) ObserveActivation(*models.Activation) {}
func (NopObserver) ObserveIteration(Iteration)           {}
func (NopObserver) ObserveFailure(*FatalError)           {}
