package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/optimizer"
	"github.com/tsawler/distribution-transfer/tensor"
)

// UnfreezePlan holds the fractions of all training iterations at which more
// layer groups become trainable. At First the model unfreezes from group 1,
// at Second everything is unfrozen.
type UnfreezePlan struct {
	First  float64
	Second float64
}

// Thresholds returns the global iteration indices for a run of total
// iterations
func (p UnfreezePlan) Thresholds(total int) (first, second int) {
	return int(float64(total) * p.First), int(float64(total) * p.Second)
}

// TrainConfig holds configuration for one-cycle training
type TrainConfig struct {
	Epochs      int
	MaxLR       float64
	WeightDecay float64
	// Alpha is the per-group learning rate ratio: group g of G trains at
	// lr*Alpha^(G-1-g). Zero means 1; experiment configs must set it.
	Alpha float64
	// SavePath is where the best model is written. Empty disables
	// checkpointing.
	SavePath string
	// UnfreezeDuringLoop enables gradual unfreezing when non-nil
	UnfreezeDuringLoop *UnfreezePlan
	// Schedule overrides the one-cycle shape; Epochs, BatchesPerEpoch and
	// MaxLR are always taken from this config and the training batches.
	Schedule *OneCycleConfig
	// Progress receives a per-batch progress bar when non-nil
	Progress io.Writer
}

// EpochStats holds metrics for a single epoch
type EpochStats struct {
	Epoch     int // 1-based
	TrainLoss float64
	ValLoss   float64
	ValAUC    float64
	Saved     bool
	LR        float64 // learning rate of the last step in the epoch
	Momentum  float64
	Duration  time.Duration
}

// TrainResult summarises a completed run
type TrainResult struct {
	Epochs      []EpochStats
	BestLoss    float64
	BestEpoch   int
	Checkpoints int
	Iterations  int
}

// SaveInfo describes the model state handed to a ModelSaver
type SaveInfo struct {
	Epoch    int
	Step     int
	ValLoss  float64
	ValAUC   float64
	LR       float64
	Momentum float64
	// Optimizer is the optimizer state (momentum buffers) at save time
	Optimizer *optimizer.OptimizerState
}

// ModelSaver persists a model snapshot
type ModelSaver interface {
	SaveModel(net *layers.Network, path string, info SaveInfo) error
}

// ModelSaverFunc adapts a function to ModelSaver
type ModelSaverFunc func(net *layers.Network, path string, info SaveInfo) error

// SaveModel implements ModelSaver
func (f ModelSaverFunc) SaveModel(net *layers.Network, path string, info SaveInfo) error {
	return f(net, path, info)
}

// ValidateFunc evaluates a model on held-out batches
type ValidateFunc func(ctx context.Context, net *layers.Network, batches Batches) (EvalResult, error)

// OneCycleTrainer trains a network with the one-cycle policy, optional
// gradual unfreezing and best-by-validation-loss checkpointing
type OneCycleTrainer struct {
	net      *layers.Network
	train    Batches
	valid    Batches
	saver    ModelSaver
	validate ValidateFunc
	logger   logrus.FieldLogger
}

// NewOneCycleTrainer creates a trainer. saver may be nil when no SavePath is
// configured.
func NewOneCycleTrainer(net *layers.Network, train, valid Batches, saver ModelSaver, logger logrus.FieldLogger) *OneCycleTrainer {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &OneCycleTrainer{
		net:      net,
		train:    train,
		valid:    valid,
		saver:    saver,
		validate: ValidateBinary,
		logger:   logger,
	}
}

// SetValidator replaces the validation function
func (t *OneCycleTrainer) SetValidator(fn ValidateFunc) {
	t.validate = fn
}

// Train runs config.Epochs epochs. Errors from the forward/backward pass,
// validation or checkpoint IO abort the run; checkpoints already written are
// left in place.
func (t *OneCycleTrainer) Train(ctx context.Context, config TrainConfig) (*TrainResult, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.SavePath != "" && t.saver == nil {
		return nil, fmt.Errorf("save path %q configured without a model saver", config.SavePath)
	}

	batchesPerEpoch := t.train.Len()
	if batchesPerEpoch == 0 {
		return nil, fmt.Errorf("training set produced no batches")
	}

	schedule := DefaultOneCycleConfig(config.Epochs, batchesPerEpoch, config.MaxLR)
	if config.Schedule != nil {
		schedule = *config.Schedule
		schedule.Epochs = config.Epochs
		schedule.BatchesPerEpoch = batchesPerEpoch
		schedule.MaxLR = config.MaxLR
	}
	policy, err := NewOneCyclePolicy(schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule: %w", err)
	}

	alpha := config.Alpha
	if alpha == 0 {
		alpha = 1
	}
	sgd, err := optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate:     config.MaxLR,
		Momentum:         schedule.MomHigh,
		WeightDecay:      config.WeightDecay,
		GroupMultipliers: optimizer.GroupLearningRates(t.net.NumGroups(), alpha),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	var opt optimizer.Optimizer = sgd

	total := policy.Len()
	first, second := -1, -1
	if config.UnfreezeDuringLoop != nil {
		first, second = config.UnfreezeDuringLoop.Thresholds(total)
	}

	t.logger.WithFields(logrus.Fields{
		"epochs":     config.Epochs,
		"iterations": total,
		"max_lr":     config.MaxLR,
		"alpha":      alpha,
		"scheduler":  policy.GetName(),
		"optimizer":  opt.Name(),
	}).Debug("Starting one-cycle training")

	result := &TrainResult{BestLoss: math.Inf(1), BestEpoch: -1}
	iter := 0

	for epoch := 0; epoch < config.Epochs; epoch++ {
		epochStart := time.Now()
		t.net.SetTraining(true)
		t.train.SetRandomChoices()
		t.train.Reset()

		bar := NewProgressBar(config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, config.Epochs), batchesPerEpoch)
		stats := EpochStats{Epoch: epoch + 1}
		lossSum, seen := 0.0, 0
		batchNum := 0

		for {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			batch, ok, err := t.train.Next()
			if err != nil {
				return result, fmt.Errorf("epoch %d: failed to load batch: %w", epoch+1, err)
			}
			if !ok {
				break
			}

			if iter == first {
				if err := t.unfreeze(1, iter); err != nil {
					return result, err
				}
			}
			if iter == second {
				if err := t.unfreeze(0, iter); err != nil {
					return result, err
				}
			}

			loss, err := t.trainStep(batch.Images, batch.Labels, policy, opt, &stats)
			if err != nil {
				return result, fmt.Errorf("epoch %d step %d: %w", epoch+1, iter, err)
			}

			lossSum += loss * float64(batch.Size())
			seen += batch.Size()
			iter++
			batchNum++
			bar.Update(batchNum, map[string]float64{"loss": lossSum / float64(seen)})
		}
		bar.Finish()

		if seen > 0 {
			stats.TrainLoss = lossSum / float64(seen)
		}

		val, err := t.validate(ctx, t.net, t.valid)
		if err != nil {
			return result, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		stats.ValLoss = val.Loss
		stats.ValAUC = val.AUC

		t.logger.WithField("epoch", epoch+1).Infof("Ep. %d - train loss %.4f - val loss %.4f AUC %.4f",
			epoch+1, stats.TrainLoss, val.Loss, val.AUC)

		if config.SavePath != "" && val.Loss < result.BestLoss {
			info := SaveInfo{
				Epoch:     epoch + 1,
				Step:      iter,
				ValLoss:   val.Loss,
				ValAUC:    val.AUC,
				LR:        stats.LR,
				Momentum:  stats.Momentum,
				Optimizer: opt.GetState(),
			}
			if err := t.saver.SaveModel(t.net, config.SavePath, info); err != nil {
				return result, fmt.Errorf("epoch %d: failed to save model: %w", epoch+1, err)
			}
			stats.Saved = true
			result.Checkpoints++
			t.logger.WithFields(logrus.Fields{"epoch": epoch + 1, "path": config.SavePath}).
				Debugf("Validation loss improved %.4f -> %.4f, model saved", result.BestLoss, val.Loss)
		}
		if val.Loss < result.BestLoss {
			result.BestLoss = val.Loss
			result.BestEpoch = epoch + 1
		}

		stats.Duration = time.Since(epochStart)
		result.Epochs = append(result.Epochs, stats)
	}

	result.Iterations = int(opt.GetStepCount())
	return result, nil
}

func (t *OneCycleTrainer) unfreeze(from, iter int) error {
	if from >= t.net.NumGroups() {
		return nil
	}
	if err := t.net.Unfreeze(from); err != nil {
		return fmt.Errorf("unfreeze at iteration %d: %w", iter, err)
	}
	t.logger.WithFields(logrus.Fields{
		"iteration": iter,
		"from":      from,
	}).Infof("Unfroze layer groups: %s", t.net.FreezeSummary())
	return nil
}

// trainStep runs forward, loss, schedule step, backward and the parameter
// update for one batch and returns the batch loss
func (t *OneCycleTrainer) trainStep(images *tensor.Tensor, labels []float32, policy *OneCyclePolicy, opt optimizer.Optimizer, stats *EpochStats) (float64, error) {
	logits, err := t.net.Forward(images)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, grad, err := BCEWithLogits(logits, labels)
	if err != nil {
		return 0, err
	}

	lr, mom, err := policy.Step()
	if err != nil {
		return 0, err
	}
	opt.SetHyperParameters(lr, mom)
	stats.LR, stats.Momentum = lr, mom

	t.net.ZeroGrad()
	if err := t.net.Backward(grad); err != nil {
		return 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := opt.Step(t.net.ParameterGroups(), t.net.IsGroupFrozen); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, nil
}
