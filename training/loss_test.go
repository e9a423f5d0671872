package training

import (
	"math"
	"testing"

	"github.com/tsawler/distribution-transfer/tensor"
)

func TestBCEWithLogitsValues(t *testing.T) {
	tests := []struct {
		name    string
		logits  []float32
		targets []float32
		want    float64
	}{
		{"zero logit", []float32{0}, []float32{1}, math.Log(2)},
		{"confident right", []float32{20}, []float32{1}, math.Log1p(math.Exp(-20))},
		{"confident wrong", []float32{-20}, []float32{1}, 20 + math.Log1p(math.Exp(-20))},
		{"mean of two", []float32{0, 0}, []float32{0, 1}, math.Log(2)},
		{"huge logit stays finite", []float32{1000}, []float32{0}, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logits, _ := tensor.FromData(tt.logits, len(tt.logits), 1)
			loss, _, err := BCEWithLogits(logits, tt.targets)
			if err != nil {
				t.Fatalf("BCEWithLogits failed: %v", err)
			}
			if math.Abs(loss-tt.want) > 1e-6 {
				t.Errorf("loss = %f, expected %f", loss, tt.want)
			}
		})
	}
}

func TestBCEWithLogitsGradientMatchesFiniteDifferences(t *testing.T) {
	data := []float32{-1.5, 0.3, 2.0, -0.1}
	targets := []float32{0, 1, 1, 0}
	logits, _ := tensor.FromData(data, 4, 1)

	_, grad, err := BCEWithLogits(logits, targets)
	if err != nil {
		t.Fatalf("BCEWithLogits failed: %v", err)
	}

	const eps = 1e-3
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		lp, _, _ := BCEWithLogits(logits, targets)
		data[i] = orig - eps
		lm, _, _ := BCEWithLogits(logits, targets)
		data[i] = orig

		numeric := (lp - lm) / (2 * eps)
		if math.Abs(numeric-float64(grad.Data[i])) > 1e-3 {
			t.Errorf("grad[%d] = %f, numeric %f", i, grad.Data[i], numeric)
		}
	}
	if !tensor.SameShape(grad.Shape, logits.Shape) {
		t.Errorf("gradient shape %v != logits shape %v", grad.Shape, logits.Shape)
	}
}

func TestBCEWithLogitsErrors(t *testing.T) {
	logits, _ := tensor.FromData([]float32{1, 2}, 2, 1)
	if _, _, err := BCEWithLogits(logits, []float32{1}); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestBinaryCrossEntropy(t *testing.T) {
	loss, err := BinaryCrossEntropy([]float32{0.5, 0.5}, []float32{0, 1})
	if err != nil || math.Abs(loss-math.Log(2)) > 1e-6 {
		t.Errorf("loss = %f, %v", loss, err)
	}

	// clamped, not infinite
	loss, _ = BinaryCrossEntropy([]float32{0}, []float32{1})
	if math.IsInf(loss, 0) || loss < 10 {
		t.Errorf("loss = %f, expected large finite value", loss)
	}

	if _, err := BinaryCrossEntropy(nil, nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestSigmoidSymmetric(t *testing.T) {
	for _, x := range []float64{-30, -2, 0, 0.5, 40} {
		if s := Sigmoid(x) + Sigmoid(-x); math.Abs(s-1) > 1e-12 {
			t.Errorf("sigmoid(%f) + sigmoid(%f) = %f", x, -x, s)
		}
	}
}
