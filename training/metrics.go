package training

import (
	"sort"
)

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	Threshold float32
	TPR       float64 // True Positive Rate (Recall)
	FPR       float64 // False Positive Rate (1 - Specificity)
}

// ROCCurve returns the ROC curve of scores against binary labels, one point
// per distinct score in descending order, starting at (0, 0). Tied scores
// move the curve diagonally. Returns nil when either class is missing.
func ROCCurve(scores []float32, labels []float32) []ROCPoint {
	if len(scores) != len(labels) || len(scores) == 0 {
		return nil
	}

	type scoreLabel struct {
		score float32
		pos   bool
	}
	pairs := make([]scoreLabel, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pos := labels[i] >= 0.5
		pairs[i] = scoreLabel{score: scores[i], pos: pos}
		if pos {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return nil
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	points := []ROCPoint{{Threshold: pairs[0].score, TPR: 0, FPR: 0}}
	tp, fp := 0, 0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].pos {
				tp++
			} else {
				fp++
			}
			j++
		}
		points = append(points, ROCPoint{
			Threshold: pairs[i].score,
			TPR:       float64(tp) / float64(totalPos),
			FPR:       float64(fp) / float64(totalNeg),
		})
		i = j
	}
	return points
}

// CalculateAUCROC calculates Area Under ROC Curve for binary classification
// with the trapezoidal rule. Returns 0 when only one class is present; callers
// should treat that as "undefined".
func CalculateAUCROC(scores []float32, labels []float32) float64 {
	points := ROCCurve(scores, labels)
	if points == nil {
		return 0.0
	}

	auc := 0.0
	for i := 1; i < len(points); i++ {
		auc += (points[i].FPR - points[i-1].FPR) * (points[i].TPR + points[i-1].TPR) / 2.0
	}
	return auc
}

// BinaryAccuracy is the fraction of probabilities on the correct side of
// threshold
func BinaryAccuracy(probs []float32, labels []float32, threshold float32) float64 {
	if len(probs) == 0 || len(probs) != len(labels) {
		return 0
	}
	correct := 0
	for i, p := range probs {
		if (p >= threshold) == (labels[i] >= 0.5) {
			correct++
		}
	}
	return float64(correct) / float64(len(probs))
}
