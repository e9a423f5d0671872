package layers

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/distribution-transfer/tensor"
)

func smallSpec(t *testing.T) *ModelSpec {
	t.Helper()
	spec, err := NewModelBuilder([]int{1, 2, 4, 4}).
		Group(0).
		AddConv2D(3, 3, 1, 1, true, "conv").
		Group(1).
		AddGlobalAvgPool2D("gap").
		AddDense(2, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return spec
}

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.MustNew(shape...)
	x.FillNormal(0, 1, rng)
	return x
}

// weightedSum is a scalar loss sum(out * r) whose gradient w.r.t. out is r
func weightedSum(out, r *tensor.Tensor) float64 {
	s := 0.0
	for i := range out.Data {
		s += float64(out.Data[i] * r.Data[i])
	}
	return s
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net, err := NewNetwork(smallSpec(t), rng)
	if err != nil {
		t.Fatalf("NewNetwork failed: %v", err)
	}

	x := randomInput(rng, 2, 2, 4, 4)
	r := randomInput(rng, 2, 2)

	if _, err := net.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	net.ZeroGrad()
	if err := net.Backward(r); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	for _, p := range net.NamedParameters() {
		for _, idx := range []int{0, p.Value.Len() / 2, p.Value.Len() - 1} {
			orig := p.Value.Data[idx]

			p.Value.Data[idx] = orig + eps
			plus, _ := net.Forward(x)
			lp := weightedSum(plus, r)

			p.Value.Data[idx] = orig - eps
			minus, _ := net.Forward(x)
			lm := weightedSum(minus, r)

			p.Value.Data[idx] = orig

			numeric := (lp - lm) / (2 * eps)
			analytic := float64(p.Value.Grad[idx])
			if math.Abs(numeric-analytic) > 1e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic grad %f, numeric %f", p.Name, idx, analytic, numeric)
			}
		}
	}
}

func TestFrozenGroupsReceiveNoGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net, _ := NewNetwork(smallSpec(t), rng)
	net.Freeze()

	if !net.IsGroupFrozen(0) || net.IsGroupFrozen(1) {
		t.Fatalf("Freeze should leave only the last group trainable")
	}

	x := randomInput(rng, 1, 2, 4, 4)
	if _, err := net.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	net.ZeroGrad()
	if err := net.Backward(randomInput(rng, 1, 2)); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	conv, _ := net.Parameter("conv.weight")
	for _, g := range conv.Value.Grad {
		if g != 0 {
			t.Fatalf("frozen conv weight received gradient %f", g)
		}
	}
	fc, _ := net.Parameter("fc.weight")
	nonZero := false
	for _, g := range fc.Value.Grad {
		if g != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Errorf("trainable fc weight received no gradient")
	}
}

func TestUnfreezeIsOneWay(t *testing.T) {
	spec, _ := ChestXRayNet(16)
	net, _ := NewNetwork(spec, rand.New(rand.NewSource(1)))
	net.Freeze()

	if got := net.TrainableFrom(); got != GroupClassifier {
		t.Fatalf("TrainableFrom = %d after Freeze, expected %d", got, GroupClassifier)
	}
	if err := net.Unfreeze(GroupFeatures); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if err := net.Unfreeze(GroupStem); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if err := net.Unfreeze(GroupFeatures); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if got := net.TrainableFrom(); got != GroupStem {
		t.Errorf("TrainableFrom = %d, a later Unfreeze must not re-freeze", got)
	}
	if net.TrainableParameters() != net.TotalParameters() {
		t.Errorf("all parameters should be trainable")
	}
	if err := net.Unfreeze(3); err == nil {
		t.Errorf("expected out-of-range error")
	}
}

func TestForwardRejectsWrongShape(t *testing.T) {
	spec, _ := ChestXRayNet(16)
	net, _ := NewNetwork(spec, rand.New(rand.NewSource(1)))

	_, err := net.Forward(tensor.MustNew(2, 3, 8, 8))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	out, err := net.Forward(tensor.MustNew(5, 3, 16, 16))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Shape[0] != 5 || out.Shape[1] != 1 {
		t.Errorf("output shape = %v, expected [5 1]", out.Shape)
	}
}

func TestMaxPoolAndReLUForward(t *testing.T) {
	x, _ := tensor.FromData([]float32{
		1, -2, 3, 0,
		-1, 5, -3, 2,
		0, 0, -1, -1,
		4, 0, -1, -7,
	}, 1, 1, 4, 4)

	r := &relu{}
	y, _ := r.forward(x, true)
	p := &maxPool2D{pool: 2, stride: 2}
	out, err := p.forward(y, true)
	if err != nil {
		t.Fatalf("pool forward failed: %v", err)
	}

	want := []float32{5, 3, 4, 0}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("out[%d] = %f, expected %f", i, out.Data[i], v)
		}
	}

	g, _ := p.backward(tensor.MustNew(1, 1, 2, 2), false, true)
	if g.Shape[2] != 4 {
		t.Errorf("pool backward shape = %v", g.Shape)
	}
}
