package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/distribution-transfer/checkpoints"
	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/training"
	"github.com/tsawler/distribution-transfer/vision/dataloader"
	"github.com/tsawler/distribution-transfer/vision/dataset"
)

// RunSummary describes one trained (variant, sample size) pair
type RunSummary struct {
	Variant     string
	SampleSize  int
	BestLoss    float64
	BestEpoch   int
	Checkpoints int
	Duration    time.Duration
	Err         error
}

// Runner drives the transfer-learning experiment: for every training-set
// size it trains a model from the pretrained weights (std) and from their
// per-tensor distribution only (dist), then evaluates both on the test set
type Runner struct {
	cfg      *Config
	logger   logrus.FieldLogger
	caches   *dataloader.SharedCacheManager
	saver    *checkpoints.CheckpointSaver
	rng      *rand.Rand
	progress io.Writer
}

// NewRunner validates cfg and creates a runner
func NewRunner(cfg *Config, logger logrus.FieldLogger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.WithField("disease", cfg.Data.Disease),
		caches: dataloader.NewSharedCacheManager(),
		saver:  checkpoints.NewCheckpointSaver(cfg.format()),
		rng:    rand.New(rand.NewSource(cfg.Training.Seed)),
	}, nil
}

// SetProgress enables per-batch progress bars on w
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

// loadBinary reads a table and binarizes it for the configured disease
func (r *Runner) loadBinary(name string) (*dataset.ChestXRayDataset, error) {
	idx, err := dataset.DiseaseIndex(r.cfg.Data.Disease)
	if err != nil {
		return nil, err
	}
	table, err := dataset.LoadCSV(r.cfg.TablePath(name), r.cfg.csvOptions())
	if err != nil {
		return nil, err
	}
	return table.MultiLabelToBinary(idx)
}

// loadBalanced reads a held-out table and balances it to twice its
// positive count
func (r *Runner) loadBalanced(name string) (*dataset.ChestXRayDataset, error) {
	table, err := r.loadBinary(name)
	if err != nil {
		return nil, err
	}
	balanced, err := table.BalanceObs(2*table.CountPositive(), r.rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return balanced, nil
}

func (r *Runner) batches(ctx context.Context, ds *dataset.ChestXRayDataset, shuffle, augment bool, seed int64) (*dataloader.DataBatches, error) {
	folder := r.cfg.ImageFolderPath()
	size := r.cfg.Data.ImageSize
	cache := r.caches.GetOrCreateCache(dataloader.CacheKey(folder, size), r.cfg.Data.CacheSize, size*size)

	config := dataloader.Config{
		ImageFolder:  folder,
		BatchSize:    r.cfg.Training.BatchSize,
		Shuffle:      shuffle,
		ImageSize:    size,
		Normalize:    r.cfg.Data.Normalize,
		NumWorkers:   r.cfg.Data.Workers,
		CacheManager: cache,
		Seed:         seed,
	}
	if augment {
		config.Transforms = r.cfg.Transforms()
	}

	db, err := dataloader.NewDataBatches(ds, config)
	if err != nil {
		return nil, err
	}
	if r.cfg.Data.Preload {
		if err := db.Preload(ctx); err != nil {
			return nil, fmt.Errorf("failed to preload images: %w", err)
		}
	}
	return db, nil
}

// Train trains both variants for every configured sample size. With
// ContinueOnError a failing size is logged and recorded in the summary;
// otherwise the first error aborts the run.
func (r *Runner) Train(ctx context.Context) ([]RunSummary, error) {
	trainTable, err := r.loadBinary(r.cfg.Data.TrainCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to load training table: %w", err)
	}
	validTable, err := r.loadBalanced(r.cfg.Data.ValidCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation table: %w", err)
	}
	trainTable.Shuffle(r.rng)

	r.logger.WithFields(logrus.Fields{
		"train": trainTable.String(),
		"valid": validTable.String(),
	}).Info("Loaded tables")

	validBatches, err := r.batches(ctx, validTable, false, false, r.cfg.Training.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build validation batches: %w", err)
	}

	var summaries []RunSummary
	for _, n := range r.cfg.Training.SampleAmounts {
		runs, err := r.trainSampleSize(ctx, trainTable, validBatches, n)
		summaries = append(summaries, runs...)
		if err == nil {
			continue
		}
		if !r.cfg.ContinueOnError || ctx.Err() != nil {
			return summaries, err
		}
		r.logger.WithError(err).WithField("n", n).Warn("Training failed, continuing with the next sample size")
	}
	return summaries, nil
}

func (r *Runner) trainSampleSize(ctx context.Context, trainTable *dataset.ChestXRayDataset, validBatches training.Batches, n int) ([]RunSummary, error) {
	subset, err := trainTable.BalanceObs(n, r.rng)
	if err != nil {
		return []RunSummary{{SampleSize: n, Err: err}}, fmt.Errorf("n=%d: %w", n, err)
	}
	trainBatches, err := r.batches(ctx, subset, true, true, r.cfg.Training.Seed+int64(n))
	if err != nil {
		return []RunSummary{{SampleSize: n, Err: err}}, fmt.Errorf("n=%d: %w", n, err)
	}

	var runs []RunSummary
	for _, variant := range r.cfg.Variants() {
		summary, err := r.trainVariant(ctx, variant, trainBatches, validBatches, n)
		runs = append(runs, summary)
		if err != nil {
			return runs, fmt.Errorf("n=%d %s: %w", n, variant.Name, err)
		}
	}
	return runs, nil
}

func (r *Runner) trainVariant(ctx context.Context, variant Variant, trainBatches, validBatches training.Batches, n int) (RunSummary, error) {
	start := time.Now()
	summary := RunSummary{Variant: variant.Name, SampleSize: n}
	logger := r.logger.WithFields(logrus.Fields{"variant": variant.Name, "n": n})

	net, err := NewClassifier(ClassifierConfig{
		ImageSize:  r.cfg.Data.ImageSize,
		Pretrained: r.cfg.Training.Pretrained,
		Freeze:     r.cfg.Training.Freeze,
	}, r.rng, logger)
	if err != nil {
		summary.Err = err
		return summary, err
	}

	if variant.Resample {
		stats := layers.KeepOnlyWeightDistribution(net, r.rng, r.cfg.sigmaMode())
		logger.WithFields(logrus.Fields{
			"tensors": len(stats),
			"sigma":   r.cfg.sigmaMode().String(),
		}).Debug("Resampled weights from their distribution")
	}

	schedule := r.cfg.Schedule()
	savePath := CheckpointPath(r.cfg, variant.Name, n)
	trainer := training.NewOneCycleTrainer(net, trainBatches, validBatches, r.modelSaver(variant.Name, n), logger)

	logger.WithField("save_path", savePath).Info("Training")
	result, err := trainer.Train(ctx, training.TrainConfig{
		Epochs:             r.cfg.Training.Epochs,
		MaxLR:              r.cfg.Training.MaxLR,
		WeightDecay:        r.cfg.Training.WeightDecay,
		Alpha:              variant.Alpha,
		SavePath:           savePath,
		UnfreezeDuringLoop: r.cfg.UnfreezePlan(),
		Schedule:           &schedule,
		Progress:           r.progress,
	})
	summary.Duration = time.Since(start)
	if err != nil {
		summary.Err = err
		return summary, err
	}

	summary.BestLoss = result.BestLoss
	summary.BestEpoch = result.BestEpoch
	summary.Checkpoints = result.Checkpoints
	logger.WithFields(logrus.Fields{
		"best_loss":  fmt.Sprintf("%.4f", result.BestLoss),
		"best_epoch": result.BestEpoch,
		"duration":   summary.Duration.Round(time.Millisecond),
	}).Info("Training complete")

	if r.cfg.Output.Plots {
		name := fmt.Sprintf("%s-%s-%d", strings.ToLower(r.cfg.Data.Disease), variant.Name, n)
		plot := training.TrainingCurvesPlot(name, result.Epochs)
		if err := plot.WriteJSON(filepath.Join(r.cfg.Output.ResultsDir, name+"-curves.json")); err != nil {
			logger.WithError(err).Warn("Failed to write training curves")
		}
	}
	return summary, nil
}

func (r *Runner) modelSaver(variant string, n int) training.ModelSaver {
	return training.ModelSaverFunc(func(net *layers.Network, path string, info training.SaveInfo) error {
		ckpt := checkpoints.FromNetwork(net, checkpoints.TrainingState{
			Epoch:        info.Epoch,
			Step:         info.Step,
			LearningRate: info.LR,
			Momentum:     info.Momentum,
			ValLoss:      info.ValLoss,
			ValAUC:       info.ValAUC,
			Optimizer:    info.Optimizer,
		})
		ckpt.Metadata.Description = fmt.Sprintf("%s %s-imgnet n=%d", r.cfg.Data.Disease, variant, n)
		ckpt.Metadata.Tags = []string{strings.ToLower(r.cfg.Data.Disease), variant}
		return r.saver.SaveCheckpoint(ckpt, path)
	})
}

// Evaluate loads every variant's checkpoint for every sample size, scores
// it on the balanced test table with test-time augmentation and writes one
// results file per variant
func (r *Runner) Evaluate(ctx context.Context) (map[string]*Results, error) {
	testTable, err := r.loadBalanced(r.cfg.Data.TestCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to load test table: %w", err)
	}
	r.logger.WithField("test", testTable.String()).Info("Loaded test table")

	// TTA needs a stable order across passes
	testBatches, err := r.batches(ctx, testTable, false, true, r.cfg.Training.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build test batches: %w", err)
	}

	all := make(map[string]*Results)
	for _, variant := range r.cfg.Variants() {
		results := NewResults()
		for _, n := range r.cfg.Training.SampleAmounts {
			res, err := r.evaluateOne(ctx, testBatches, variant.Name, n)
			if err != nil {
				if !r.cfg.ContinueOnError || ctx.Err() != nil {
					return all, fmt.Errorf("n=%d %s: %w", n, variant.Name, err)
				}
				r.logger.WithError(err).WithFields(logrus.Fields{"variant": variant.Name, "n": n}).
					Warn("Evaluation failed, continuing with the next sample size")
				results.AddFailure(n, err)
				continue
			}
			results.Add(n, res.Loss, res.AUC)

			if r.cfg.Output.Plots {
				name := fmt.Sprintf("%s-%s-%d", strings.ToLower(r.cfg.Data.Disease), variant.Name, n)
				plot := training.ROCPlot(name, training.ROCCurve(res.Probs, res.Labels), res.AUC)
				if err := plot.WriteJSON(filepath.Join(r.cfg.Output.ResultsDir, name+"-roc.json")); err != nil {
					r.logger.WithError(err).Warn("Failed to write ROC curve")
				}
			}
		}

		path := ResultPath(r.cfg, variant.Name)
		if err := WriteResults(path, results); err != nil {
			return all, err
		}
		all[variant.Name] = results
		r.logger.WithFields(logrus.Fields{"variant": variant.Name, "path": path}).Info("Results written")
	}

	if r.cfg.Output.Plots {
		if err := r.writeSummaryPlot(all); err != nil {
			r.logger.WithError(err).Warn("Failed to write summary plot")
		}
	}
	return all, nil
}

func (r *Runner) evaluateOne(ctx context.Context, testBatches training.Batches, variant string, n int) (training.EvalResult, error) {
	path := CheckpointPath(r.cfg, variant, n)
	net, _, err := checkpoints.LoadNetwork(path)
	if err != nil {
		return training.EvalResult{}, err
	}

	res, err := training.TTABinary(ctx, net, testBatches, r.cfg.Training.TTAPasses)
	if err != nil {
		return training.EvalResult{}, err
	}
	if res.AUC == 0 && singleClass(res.Labels) {
		r.logger.WithFields(logrus.Fields{"variant": variant, "n": n}).Warn("Test labels contain a single class, AUC is undefined")
	}
	r.logger.WithFields(logrus.Fields{"variant": variant, "n": n, "accuracy": fmt.Sprintf("%.4f", res.Accuracy)}).
		Infof("TTA loss %.4f AUC %.4f", res.Loss, res.AUC)
	return res, nil
}

func singleClass(labels []float32) bool {
	if len(labels) == 0 {
		return true
	}
	for _, l := range labels[1:] {
		if l != labels[0] {
			return false
		}
	}
	return true
}

func (r *Runner) writeSummaryPlot(all map[string]*Results) error {
	var sizes []int
	aucs := make(map[string][]float64)
	var order []string
	for _, v := range r.cfg.Variants() {
		res, ok := all[v.Name]
		if !ok || len(res.Failed) > 0 {
			return errors.New("summary plot needs complete results for every variant")
		}
		if sizes == nil {
			sizes = res.SampleSizes
		}
		aucs[v.Name] = res.AUCs
		order = append(order, v.Name)
	}

	plot, err := training.SampleSizePlot(fmt.Sprintf("%s test AUC", r.cfg.Data.Disease), sizes, "AUC", aucs, order)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_auc-by-size.json", strings.ToLower(r.cfg.Data.Disease))
	return plot.WriteJSON(filepath.Join(r.cfg.Output.ResultsDir, name))
}
