package layers

import (
	"fmt"
	"math/rand"
	"strings"
)

// SigmaMode selects how the spread of the resampling distribution is derived
type SigmaMode int

const (
	// SigmaFromMean uses the tensor mean as the standard deviation. This
	// reproduces the reference experiment, whose results were produced with
	// mean and std both set to the tensor mean.
	SigmaFromMean SigmaMode = iota
	// SigmaFromStd uses the population standard deviation of the tensor
	SigmaFromStd
)

func (m SigmaMode) String() string {
	switch m {
	case SigmaFromMean:
		return "mean"
	case SigmaFromStd:
		return "std"
	default:
		return "unknown"
	}
}

// ParseSigmaMode maps "mean" / "std" to a SigmaMode
func ParseSigmaMode(s string) (SigmaMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mean":
		return SigmaFromMean, nil
	case "std":
		return SigmaFromStd, nil
	default:
		return SigmaFromMean, fmt.Errorf("unknown sigma mode %q (want mean or std)", s)
	}
}

// ResampleStat records the distribution a parameter was redrawn from
type ResampleStat struct {
	Name  string
	Mean  float64
	Sigma float64
}

// KeepOnlyWeightDistribution replaces the values of every parameter whose
// name contains "weight" or "bias" with independent draws from
// Normal(mean, sigma), where mean is the parameter's own mean and sigma is
// chosen by mode. The shape of each tensor is preserved, everything else
// about the learned values is discarded.
func KeepOnlyWeightDistribution(n *Network, rng *rand.Rand, mode SigmaMode) []ResampleStat {
	var stats []ResampleStat
	for _, p := range n.NamedParameters() {
		if !strings.Contains(p.Name, "weight") && !strings.Contains(p.Name, "bias") {
			continue
		}

		mu := p.Value.Mean()
		sigma := mu
		if mode == SigmaFromStd {
			sigma = p.Value.Std()
		}

		p.Value.FillNormal(mu, sigma, rng)
		stats = append(stats, ResampleStat{Name: p.Name, Mean: mu, Sigma: sigma})
	}
	return stats
}
