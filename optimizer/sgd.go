package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64 // L2 regularization coefficient

	// GroupMultipliers scales the learning rate per layer group.
	// Empty means every group uses the base rate.
	GroupMultipliers []float64
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// SGD is stochastic gradient descent with momentum. Velocity buffers are
// created lazily the first time a parameter is updated, so a group that is
// unfrozen mid-training starts with zero velocity.
type SGD struct {
	config     SGDConfig
	velocities map[*layers.Parameter]*tensor.Tensor
	stepCount  uint64
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	for g, m := range config.GroupMultipliers {
		if m < 0 {
			return nil, fmt.Errorf("group %d learning rate multiplier cannot be negative: %f", g, m)
		}
	}

	return &SGD{
		config:     config,
		velocities: make(map[*layers.Parameter]*tensor.Tensor),
	}, nil
}

// SetHyperParameters implements Optimizer
func (s *SGD) SetHyperParameters(lr, momentum float64) {
	s.config.LearningRate = lr
	s.config.Momentum = momentum
}

// LearningRate returns the current base learning rate
func (s *SGD) LearningRate() float64 {
	return s.config.LearningRate
}

// Momentum returns the current momentum
func (s *SGD) Momentum() float64 {
	return s.config.Momentum
}

func (s *SGD) groupLR(g int) float64 {
	if g < len(s.config.GroupMultipliers) {
		return s.config.LearningRate * s.config.GroupMultipliers[g]
	}
	return s.config.LearningRate
}

// Step implements Optimizer
func (s *SGD) Step(groups [][]*layers.Parameter, frozen func(group int) bool) error {
	for g, params := range groups {
		if frozen != nil && frozen(g) {
			continue
		}
		lr := s.groupLR(g)

		for _, p := range params {
			data := p.Value.Data
			grad := p.Value.Grad
			if len(grad) != len(data) {
				return fmt.Errorf("parameter %s: gradient length %d != data length %d", p.Name, len(grad), len(data))
			}

			var v *tensor.Tensor
			if s.config.Momentum != 0 {
				v = s.velocities[p]
				if v == nil {
					v = tensor.MustNew(p.Value.Shape...)
					s.velocities[p] = v
				}
			}

			for j := range data {
				d := float64(grad[j])
				if s.config.WeightDecay != 0 {
					d += s.config.WeightDecay * float64(data[j])
				}
				if v != nil {
					vel := s.config.Momentum*float64(v.Data[j]) + d
					v.Data[j] = float32(vel)
					d = vel
				}
				data[j] -= float32(lr * d)
			}
		}
	}

	s.stepCount++
	return nil
}

// GetStepCount implements Optimizer
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// GetState implements Optimizer
func (s *SGD) GetState() *OptimizerState {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"step_count":    s.stepCount,
		},
	}

	for p, v := range s.velocities {
		data := make([]float32, len(v.Data))
		copy(data, v.Data)
		state.StateData = append(state.StateData, StateTensor{
			Name:      "momentum_" + p.Name,
			Shape:     append([]int(nil), v.Shape...),
			Data:      data,
			StateType: "momentum",
		})
	}
	sort.Slice(state.StateData, func(i, j int) bool {
		return state.StateData[i].Name < state.StateData[j].Name
	})
	return state
}

// Name implements Optimizer
func (s *SGD) Name() string {
	return "SGD"
}
