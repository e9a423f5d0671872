package training

import (
	"context"
	"fmt"

	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/vision/dataloader"
)

// Batches is a re-iterable source of labelled image batches
type Batches interface {
	// Len returns the number of batches per pass
	Len() int
	// Reset rewinds to the first batch
	Reset()
	// Next returns the next batch, or ok=false at the end of the pass
	Next() (batch *dataloader.Batch, ok bool, err error)
	// SetRandomChoices draws new per-image augmentation parameters
	SetRandomChoices()
}

// EvalResult holds the outcome of one evaluation run
type EvalResult struct {
	Loss     float64
	AUC      float64
	Accuracy float64 // at a 0.5 probability threshold
	Probs    []float32
	Labels   []float32
}

// predictPass runs the network over one full pass of batches in inference
// mode and returns sigmoid probabilities, labels and the sample-weighted mean
// BCE of the logits
func predictPass(ctx context.Context, net *layers.Network, batches Batches) ([]float32, []float32, float64, error) {
	net.SetTraining(false)
	batches.Reset()

	var probs, labels []float32
	lossSum := 0.0
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, 0, err
		}

		batch, ok, err := batches.Next()
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to load batch: %w", err)
		}
		if !ok {
			break
		}

		logits, err := net.Forward(batch.Images)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, _, err := BCEWithLogits(logits, batch.Labels)
		if err != nil {
			return nil, nil, 0, err
		}
		lossSum += loss * float64(batch.Size())

		for _, v := range logits.Data {
			probs = append(probs, float32(Sigmoid(float64(v))))
		}
		labels = append(labels, batch.Labels...)
	}

	if len(labels) == 0 {
		return nil, nil, 0, fmt.Errorf("no samples to evaluate")
	}
	return probs, labels, lossSum / float64(len(labels)), nil
}

// ValidateBinary computes the mean BCE loss and ROC AUC of net over batches
func ValidateBinary(ctx context.Context, net *layers.Network, batches Batches) (EvalResult, error) {
	probs, labels, loss, err := predictPass(ctx, net, batches)
	if err != nil {
		return EvalResult{}, fmt.Errorf("validation failed: %w", err)
	}

	return EvalResult{
		Loss:     loss,
		AUC:      CalculateAUCROC(probs, labels),
		Accuracy: BinaryAccuracy(probs, labels, 0.5),
		Probs:    probs,
		Labels:   labels,
	}, nil
}

// TTABinary evaluates net with test-time augmentation: ndl passes over
// batches, each with fresh random augmentation choices, averaging the
// per-image probabilities. Loss and AUC are computed on the averages.
// batches must yield images in the same order on every pass.
func TTABinary(ctx context.Context, net *layers.Network, batches Batches, ndl int) (EvalResult, error) {
	if ndl <= 0 {
		return EvalResult{}, fmt.Errorf("TTA needs at least one pass, got %d", ndl)
	}

	var sum []float64
	var labels []float32
	for pass := 0; pass < ndl; pass++ {
		batches.SetRandomChoices()
		probs, passLabels, _, err := predictPass(ctx, net, batches)
		if err != nil {
			return EvalResult{}, fmt.Errorf("TTA pass %d failed: %w", pass, err)
		}

		if sum == nil {
			sum = make([]float64, len(probs))
			labels = passLabels
		} else if len(probs) != len(sum) {
			return EvalResult{}, fmt.Errorf("TTA pass %d saw %d samples, expected %d", pass, len(probs), len(sum))
		}
		for i, p := range probs {
			sum[i] += float64(p)
		}
	}

	avg := make([]float32, len(sum))
	for i, s := range sum {
		avg[i] = float32(s / float64(ndl))
	}

	loss, err := BinaryCrossEntropy(avg, labels)
	if err != nil {
		return EvalResult{}, err
	}

	return EvalResult{
		Loss:     loss,
		AUC:      CalculateAUCROC(avg, labels),
		Accuracy: BinaryAccuracy(avg, labels, 0.5),
		Probs:    avg,
		Labels:   labels,
	}, nil
}
