package training

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestCosineAnnealing(t *testing.T) {
	tests := []struct {
		name       string
		start, end float64
		n          int
		expected   []float64
	}{
		{"empty", 1, 0, 0, []float64{}},
		{"negative", 1, 0, -3, []float64{}},
		{"single", 0.95, 0.85, 1, []float64{0.95}},
		{"decreasing", 1, 0, 4, []float64{1, 0.853553, 0.5, 0.146447}},
		{"increasing", 0, 1, 2, []float64{0, 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineAnnealing(tt.start, tt.end, tt.n)
			if got == nil {
				t.Fatalf("expected non-nil slice")
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("len = %d, expected %d", len(got), len(tt.expected))
			}
			for i := range got {
				if !approx(got[i], tt.expected[i], 1e-6) {
					t.Errorf("value[%d] = %f, expected %f", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestCosineAnnealingFirstValueIsStart(t *testing.T) {
	for _, n := range []int{1, 2, 7, 100} {
		got := CosineAnnealing(0.001/25, 0.001, n)
		if !approx(got[0], 0.001/25, 1e-15) {
			t.Errorf("n=%d: first value %g, expected start", n, got[0])
		}
		// end is approached but never reached
		if got[n-1] >= 0.001 {
			t.Errorf("n=%d: last value %g reached end", n, got[n-1])
		}
	}
}

func TestOneCyclePolicyTenIterations(t *testing.T) {
	p, err := NewOneCyclePolicy(DefaultOneCycleConfig(1, 10, 1e-3))
	if err != nil {
		t.Fatalf("NewOneCyclePolicy failed: %v", err)
	}

	warmup, cooling := p.PhaseLengths()
	if warmup != 3 || cooling != 7 || p.Len() != 10 {
		t.Fatalf("phases = %d/%d total %d, expected 3/7 total 10", warmup, cooling, p.Len())
	}

	lrs := p.LearningRates()
	moms := p.Momentums()
	if !approx(lrs[0], 4e-5, 1e-15) {
		t.Errorf("first lr = %g, expected 4e-5", lrs[0])
	}
	if !approx(lrs[3], 1e-3, 1e-15) {
		t.Errorf("cool-down starts at %g, expected 1e-3", lrs[3])
	}
	if !approx(moms[0], 0.95, 1e-12) || !approx(moms[3], 0.85, 1e-12) {
		t.Errorf("momentum endpoints = %f, %f", moms[0], moms[3])
	}

	// warm-up rises, cool-down falls towards 4e-9
	for i := 1; i < 3; i++ {
		if lrs[i] <= lrs[i-1] || moms[i] >= moms[i-1] {
			t.Errorf("warm-up not monotonic at %d", i)
		}
	}
	for i := 4; i < 10; i++ {
		if lrs[i] >= lrs[i-1] || moms[i] <= moms[i-1] {
			t.Errorf("cool-down not monotonic at %d", i)
		}
	}
	if lrs[9] <= 4e-9 {
		t.Errorf("last lr %g must stay above the floor", lrs[9])
	}
}

func TestOneCyclePolicyLength(t *testing.T) {
	tests := []struct {
		epochs, batches int
		pctg            float64
		warmup          int
	}{
		{20, 7, 0.3, 42},
		{3, 3, 0.3, 2},
		{1, 1, 0.3, 0},
		{2, 5, 0, 0},
		{2, 5, 1, 10},
	}

	for _, tt := range tests {
		cfg := DefaultOneCycleConfig(tt.epochs, tt.batches, 0.01)
		cfg.Pctg = tt.pctg
		p, err := NewOneCyclePolicy(cfg)
		if err != nil {
			t.Fatalf("NewOneCyclePolicy(%+v) failed: %v", cfg, err)
		}
		total := tt.epochs * tt.batches
		w, c := p.PhaseLengths()
		if p.Len() != total || len(p.Momentums()) != total {
			t.Errorf("%+v: len %d, expected %d", tt, p.Len(), total)
		}
		if w != tt.warmup || w+c != total {
			t.Errorf("%+v: warm-up %d cool-down %d", tt, w, c)
		}
	}
}

func TestOneCyclePolicyStepAndExhaustion(t *testing.T) {
	p, _ := NewOneCyclePolicy(DefaultOneCycleConfig(2, 3, 0.01))
	lrs := p.LearningRates()
	moms := p.Momentums()

	if p.Position() != -1 || p.Remaining() != 6 {
		t.Fatalf("fresh policy at %d with %d remaining", p.Position(), p.Remaining())
	}

	for i := 0; i < 6; i++ {
		lr, mom, err := p.Step()
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if lr != lrs[i] || mom != moms[i] {
			t.Errorf("step %d = (%g, %g), expected (%g, %g)", i, lr, mom, lrs[i], moms[i])
		}
	}

	if p.Remaining() != 0 {
		t.Errorf("remaining = %d after consuming all steps", p.Remaining())
	}
	if _, _, err := p.Step(); !errors.Is(err, ErrScheduleExhausted) {
		t.Errorf("expected ErrScheduleExhausted, got %v", err)
	}
	if _, ok := p.Next(); ok {
		t.Errorf("Next must report exhaustion")
	}
	if p.Position() != 5 {
		t.Errorf("cursor moved past the end: %d", p.Position())
	}

	p.Reset()
	s, ok := p.Next()
	if !ok || s.Index != 0 || s.LR != lrs[0] {
		t.Errorf("after Reset got %+v, %v", s, ok)
	}
}

func TestOneCyclePolicyCopiesSchedules(t *testing.T) {
	p, _ := NewOneCyclePolicy(DefaultOneCycleConfig(1, 4, 0.01))
	lrs := p.LearningRates()
	lrs[0] = 42
	if lr, _, _ := p.Step(); lr == 42 {
		t.Errorf("LearningRates must return a copy")
	}
}

func TestNewOneCyclePolicyValidation(t *testing.T) {
	bad := []OneCycleConfig{
		DefaultOneCycleConfig(0, 10, 0.01),
		DefaultOneCycleConfig(1, 0, 0.01),
		DefaultOneCycleConfig(1, 10, 0),
	}
	c := DefaultOneCycleConfig(1, 10, 0.01)
	c.Pctg = 1.5
	bad = append(bad, c)
	c = DefaultOneCycleConfig(1, 10, 0.01)
	c.DivFactor = 0
	bad = append(bad, c)

	for _, cfg := range bad {
		if _, err := NewOneCyclePolicy(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
