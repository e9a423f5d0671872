package training

import (
	"fmt"
	"math"

	"github.com/tsawler/distribution-transfer/tensor"
)

// Sigmoid is the logistic function
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// BCEWithLogits computes the mean binary cross-entropy between raw logits and
// {0, 1} targets, together with the gradient of that mean w.r.t. the logits.
// Uses max(x,0) - x*y + log(1 + exp(-|x|)) so large logits do not overflow.
func BCEWithLogits(logits *tensor.Tensor, targets []float32) (float64, *tensor.Tensor, error) {
	n := logits.Len()
	if n == 0 {
		return 0, nil, fmt.Errorf("empty logits")
	}
	if len(targets) != n {
		return 0, nil, fmt.Errorf("logits have %d elements but %d targets were given", n, len(targets))
	}

	grad := tensor.MustNew(logits.Shape...)
	total := 0.0
	for i, v := range logits.Data {
		x := float64(v)
		y := float64(targets[i])
		total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		grad.Data[i] = float32((Sigmoid(x) - y) / float64(n))
	}

	return total / float64(n), grad, nil
}

// BinaryCrossEntropy is the mean BCE of probabilities p against targets.
// Probabilities are clamped away from 0 and 1 to keep the log finite.
func BinaryCrossEntropy(probs, targets []float32) (float64, error) {
	if len(probs) == 0 {
		return 0, fmt.Errorf("empty predictions")
	}
	if len(probs) != len(targets) {
		return 0, fmt.Errorf("%d predictions but %d targets", len(probs), len(targets))
	}

	const eps = 1e-7
	total := 0.0
	for i, v := range probs {
		p := math.Min(math.Max(float64(v), eps), 1-eps)
		y := float64(targets[i])
		total -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return total / float64(len(probs)), nil
}
