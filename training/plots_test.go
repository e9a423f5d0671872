package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSchedulePlot(t *testing.T) {
	policy, err := NewOneCyclePolicy(DefaultOneCycleConfig(1, 10, 0.01))
	if err != nil {
		t.Fatalf("NewOneCyclePolicy failed: %v", err)
	}

	pd := SchedulePlot("emphysema", policy)
	if len(pd.Series) != 2 {
		t.Fatalf("expected learning rate and momentum series, got %d", len(pd.Series))
	}
	if len(pd.Series[0].Data) != 10 || pd.Series[0].Data[3].Y != policy.LearningRates()[3] {
		t.Errorf("learning rate series does not follow the policy")
	}
	if pd.Metrics["warmup"] != 3 || pd.Metrics["cooling"] != 7 {
		t.Errorf("phase metrics = %v", pd.Metrics)
	}
}

func TestTrainingCurvesPlotUsesEpochNumbers(t *testing.T) {
	pd := TrainingCurvesPlot("m", []EpochStats{
		{Epoch: 1, TrainLoss: 0.7, ValLoss: 0.6, ValAUC: 0.6},
		{Epoch: 2, TrainLoss: 0.5, ValLoss: 0.55, ValAUC: 0.7},
	})
	if len(pd.Series) != 3 {
		t.Fatalf("expected 3 series, got %d", len(pd.Series))
	}
	if p := pd.Series[1].Data[1]; p.X != 2 || p.Y != 0.55 {
		t.Errorf("validation point = %+v", p)
	}
}

func TestSampleSizePlot(t *testing.T) {
	sizes := []int{50, 100}
	pd, err := SampleSizePlot("AUC", sizes, "AUC", map[string][]float64{
		"std":  {0.6, 0.7},
		"dist": {0.65, 0.72},
	}, []string{"std", "dist"})
	if err != nil {
		t.Fatalf("SampleSizePlot failed: %v", err)
	}
	if pd.Series[1].Name != "dist" || pd.Series[1].Data[1].X != 100 {
		t.Errorf("unexpected series %+v", pd.Series[1])
	}

	if _, err := SampleSizePlot("AUC", sizes, "AUC", map[string][]float64{"std": {1}}, []string{"std"}); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := SampleSizePlot("AUC", sizes, "AUC", nil, []string{"std"}); err == nil {
		t.Error("expected unknown variant error")
	}
}

func TestPlotWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roc.json")
	pd := ROCPlot("m", ROCCurve([]float32{0.9, 0.1}, []float32{1, 0}), 1)
	if err := pd.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded PlotData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.PlotType != ROCCurvePlot || decoded.Metrics["auc"] != 1 {
		t.Errorf("decoded %+v", decoded)
	}
}
