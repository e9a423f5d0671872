package optimizer

import (
	"github.com/tsawler/distribution-transfer/layers"
)

// Optimizer defines the common interface for parameter update rules driven
// by an external learning-rate / momentum schedule
type Optimizer interface {
	// Step applies one update to every parameter of every non-frozen group.
	// groups[g] holds the parameters of layer group g.
	Step(groups [][]*layers.Parameter, frozen func(group int) bool) error

	// SetHyperParameters sets the base learning rate and momentum used by
	// the next Step
	SetHyperParameters(lr, momentum float64)

	// GetStepCount returns the number of updates applied so far
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() *OptimizerState

	// Name returns the optimizer name for logging
	Name() string
}

// OptimizerState represents the serializable state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one named optimizer buffer (momentum, variance, ...)
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// GroupLearningRates returns per-group multipliers for discriminative
// learning rates: group g of n gets alpha^(n-1-g), so the last group trains
// at the full rate and every earlier group at alpha times the next one.
func GroupLearningRates(numGroups int, alpha float64) []float64 {
	mult := make([]float64, numGroups)
	f := 1.0
	for g := numGroups - 1; g >= 0; g-- {
		mult[g] = f
		f *= alpha
	}
	return mult
}
