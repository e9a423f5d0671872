package training

import (
	"errors"
	"fmt"
	"math"
)

// ErrScheduleExhausted is returned by OneCyclePolicy.Step once every
// precomputed iteration has been consumed
var ErrScheduleExhausted = errors.New("one-cycle schedule exhausted")

// CosineAnnealing returns n values falling (or rising) from start towards end
// along half a cosine wave: end + (start-end)/2 * (1 + cos(i*pi/n)).
// The first value is start; end itself is never reached.
func CosineAnnealing(start, end float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}

	values := make([]float64, n)
	for i := range values {
		values[i] = end + (start-end)/2*(1+math.Cos(float64(i)*math.Pi/float64(n)))
	}
	return values
}

// OneCycleConfig holds the inputs of a one-cycle schedule
type OneCycleConfig struct {
	Epochs          int
	BatchesPerEpoch int
	MaxLR           float64
	Pctg            float64 // warm-up fraction of all iterations
	MomHigh         float64
	MomLow          float64
	Delta           float64 // final LR floor relative to the starting LR
	DivFactor       float64 // starting LR = MaxLR / DivFactor
}

// DefaultOneCycleConfig returns the usual one-cycle shape for the given run
func DefaultOneCycleConfig(epochs, batchesPerEpoch int, maxLR float64) OneCycleConfig {
	return OneCycleConfig{
		Epochs:          epochs,
		BatchesPerEpoch: batchesPerEpoch,
		MaxLR:           maxLR,
		Pctg:            0.3,
		MomHigh:         0.95,
		MomLow:          0.85,
		Delta:           1e-4,
		DivFactor:       25,
	}
}

// Step is one scheduled (learning rate, momentum) pair
type Step struct {
	Index    int
	LR       float64
	Momentum float64
}

// OneCyclePolicy is a fully precomputed learning rate and momentum schedule
// covering Epochs*BatchesPerEpoch iterations, consumed one iteration at a time
type OneCyclePolicy struct {
	config  OneCycleConfig
	lrs     []float64
	moms    []float64
	warmup  int
	cooling int
	cursor  int // index of the last returned step, -1 before the first
}

// NewOneCyclePolicy builds the warm-up and cool-down segments
func NewOneCyclePolicy(config OneCycleConfig) (*OneCyclePolicy, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.BatchesPerEpoch <= 0 {
		return nil, fmt.Errorf("batches per epoch must be positive, got %d", config.BatchesPerEpoch)
	}
	if config.MaxLR <= 0 {
		return nil, fmt.Errorf("max learning rate must be positive, got %g", config.MaxLR)
	}
	if config.Pctg < 0 || config.Pctg > 1 {
		return nil, fmt.Errorf("warm-up fraction must be in [0, 1], got %g", config.Pctg)
	}
	if config.DivFactor <= 0 {
		return nil, fmt.Errorf("div factor must be positive, got %g", config.DivFactor)
	}

	total := config.Epochs * config.BatchesPerEpoch
	warmup := int(math.Floor(float64(total) * config.Pctg))
	cooling := total - warmup

	minLR := config.MaxLR / config.DivFactor

	lrs := append(
		CosineAnnealing(minLR, config.MaxLR, warmup),
		CosineAnnealing(config.MaxLR, minLR*config.Delta, cooling)...,
	)
	moms := append(
		CosineAnnealing(config.MomHigh, config.MomLow, warmup),
		CosineAnnealing(config.MomLow, config.MomHigh, cooling)...,
	)

	return &OneCyclePolicy{
		config:  config,
		lrs:     lrs,
		moms:    moms,
		warmup:  warmup,
		cooling: cooling,
		cursor:  -1,
	}, nil
}

// Next advances the cursor and returns the step at the new position.
// ok is false once the schedule is exhausted; the cursor does not move past
// the end.
func (p *OneCyclePolicy) Next() (step Step, ok bool) {
	if p.cursor+1 >= len(p.lrs) {
		return Step{}, false
	}
	p.cursor++
	return Step{Index: p.cursor, LR: p.lrs[p.cursor], Momentum: p.moms[p.cursor]}, true
}

// Step returns the next learning rate and momentum, or ErrScheduleExhausted
// when called more than Len() times
func (p *OneCyclePolicy) Step() (lr, mom float64, err error) {
	s, ok := p.Next()
	if !ok {
		return 0, 0, fmt.Errorf("%w after %d iterations", ErrScheduleExhausted, len(p.lrs))
	}
	return s.LR, s.Momentum, nil
}

// Len returns the total number of iterations
func (p *OneCyclePolicy) Len() int {
	return len(p.lrs)
}

// Remaining returns how many steps are left
func (p *OneCyclePolicy) Remaining() int {
	return len(p.lrs) - p.cursor - 1
}

// Position returns the index of the last returned step, -1 before the first
func (p *OneCyclePolicy) Position() int {
	return p.cursor
}

// LearningRates returns a copy of the learning rate schedule
func (p *OneCyclePolicy) LearningRates() []float64 {
	return append([]float64(nil), p.lrs...)
}

// Momentums returns a copy of the momentum schedule
func (p *OneCyclePolicy) Momentums() []float64 {
	return append([]float64(nil), p.moms...)
}

// PhaseLengths returns the warm-up and cool-down lengths
func (p *OneCyclePolicy) PhaseLengths() (warmup, cooling int) {
	return p.warmup, p.cooling
}

// Reset rewinds the cursor to before the first step
func (p *OneCyclePolicy) Reset() {
	p.cursor = -1
}

// Config returns the configuration the schedule was built from
func (p *OneCyclePolicy) Config() OneCycleConfig {
	return p.config
}

// GetName returns the scheduler name for logging
func (p *OneCyclePolicy) GetName() string {
	return "OneCycle"
}
