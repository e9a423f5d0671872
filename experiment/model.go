package experiment

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/distribution-transfer/checkpoints"
	"github.com/tsawler/distribution-transfer/layers"
)

// ClassifierConfig describes the single-logit classifier to build
type ClassifierConfig struct {
	ImageSize int
	// Pretrained is a checkpoint whose matching weights initialise the
	// network. Empty starts from random weights.
	Pretrained string
	// Freeze leaves only the classifier group trainable
	Freeze bool
}

// NewClassifier builds the ChestXRayNet classifier, optionally starting
// from pretrained weights and frozen up to the head
func NewClassifier(cfg ClassifierConfig, rng *rand.Rand, logger logrus.FieldLogger) (*layers.Network, error) {
	spec, err := layers.ChestXRayNet(cfg.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build model spec: %w", err)
	}
	net, err := layers.NewNetwork(spec, rng)
	if err != nil {
		return nil, err
	}

	if cfg.Pretrained != "" {
		ckpt, err := checkpoints.Load(cfg.Pretrained)
		if err != nil {
			return nil, fmt.Errorf("failed to load pretrained weights: %w", err)
		}
		applied, skipped := checkpoints.ApplyMatching(ckpt, net)
		if applied == 0 {
			return nil, fmt.Errorf("pretrained checkpoint %s has no weights matching the model", cfg.Pretrained)
		}
		logger.WithFields(logrus.Fields{
			"path":    cfg.Pretrained,
			"applied": applied,
			"skipped": len(skipped),
		}).Debug("Loaded pretrained weights")
	} else {
		logger.Warn("No pretrained weights configured, starting from random initialization")
	}

	if cfg.Freeze {
		net.Freeze()
	}
	return net, nil
}
