package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PlotType identifies the kind of chart a PlotData describes
type PlotType string

const (
	TrainingCurves  PlotType = "training_curves"
	OneCycleCurves  PlotType = "one_cycle_schedule"
	ROCCurvePlot    PlotType = "roc_curve"
	SampleSizeCurve PlotType = "sample_size_curve"
)

// PlotData is a renderer-agnostic chart description serialised as JSON
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SeriesData is a single named series of a chart
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one (x, y) sample
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig holds axis and layout settings
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

func lineSeries(name, color string, ys []float64, x func(i int) float64) SeriesData {
	s := SeriesData{
		Name: name,
		Type: "line",
		Data: make([]DataPoint, len(ys)),
		Style: map[string]interface{}{
			"color":      color,
			"line_width": 2,
		},
	}
	for i, y := range ys {
		s.Data[i] = DataPoint{X: x(i), Y: y}
	}
	return s
}

func iterationX(i int) float64 { return float64(i) }

// SchedulePlot charts the learning rate and momentum of every iteration of
// a one-cycle policy
func SchedulePlot(modelName string, policy *OneCyclePolicy) PlotData {
	cfg := policy.Config()
	warmup, cooling := policy.PhaseLengths()
	return PlotData{
		PlotType:  OneCycleCurves,
		Title:     fmt.Sprintf("One-cycle schedule - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			lineSeries("Learning Rate", "#6C5CE7", policy.LearningRates(), iterationX),
			lineSeries("Momentum", "#4ECDC4", policy.Momentums(), iterationX),
		},
		Config: PlotConfig{
			XAxisLabel: "Iteration",
			YAxisLabel: "Value",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
		Metrics: map[string]float64{
			"max_lr":  cfg.MaxLR,
			"warmup":  float64(warmup),
			"cooling": float64(cooling),
		},
	}
}

// TrainingCurvesPlot charts per-epoch train loss, validation loss and
// validation AUC
func TrainingCurvesPlot(modelName string, epochs []EpochStats) PlotData {
	train := make([]float64, len(epochs))
	val := make([]float64, len(epochs))
	auc := make([]float64, len(epochs))
	for i, e := range epochs {
		train[i] = e.TrainLoss
		val[i] = e.ValLoss
		auc[i] = e.ValAUC
	}
	epochX := func(i int) float64 { return float64(epochs[i].Epoch) }

	valSeries := lineSeries("Validation Loss", "#FF9F43", val, epochX)
	valSeries.Style["line_style"] = "dashed"

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			lineSeries("Training Loss", "#FF6B6B", train, epochX),
			valSeries,
			lineSeries("Validation AUC", "#5F27CD", auc, epochX),
		},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / AUC",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// ROCPlot charts an ROC curve against the chance diagonal
func ROCPlot(modelName string, points []ROCPoint, auc float64) PlotData {
	roc := SeriesData{
		Name:  "ROC Curve",
		Type:  "line",
		Data:  make([]DataPoint, len(points)),
		Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2},
	}
	for i, p := range points {
		roc.Data[i] = DataPoint{X: p.FPR, Y: p.TPR}
	}

	return PlotData{
		PlotType:  ROCCurvePlot,
		Title:     fmt.Sprintf("ROC Curve - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			roc,
			{
				Name:  "Random Classifier",
				Type:  "line",
				Data:  []DataPoint{{X: 0, Y: 0}, {X: 1, Y: 1}},
				Style: map[string]interface{}{"color": "#95A5A6", "line_width": 1, "line_style": "dashed"},
			},
		},
		Config: PlotConfig{
			XAxisLabel: "False Positive Rate",
			YAxisLabel: "True Positive Rate",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      600,
			Height:     600,
		},
		Metrics: map[string]float64{"auc": auc},
	}
}

// SampleSizePlot charts a metric against training-set size, one series per
// named variant. Sizes and every series must have the same length.
func SampleSizePlot(title string, sizes []int, metric string, variants map[string][]float64, order []string) (PlotData, error) {
	pd := PlotData{
		PlotType:  SampleSizeCurve,
		Title:     title,
		Timestamp: time.Now(),
		Config: PlotConfig{
			XAxisLabel: "Training samples",
			YAxisLabel: metric,
			XAxisScale: "log",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     500,
		},
	}

	colors := []string{"#FF6B6B", "#4ECDC4", "#6C5CE7", "#FF9F43"}
	for i, name := range order {
		ys, ok := variants[name]
		if !ok {
			return PlotData{}, fmt.Errorf("unknown variant %q", name)
		}
		if len(ys) != len(sizes) {
			return PlotData{}, fmt.Errorf("variant %q has %d values for %d sample sizes", name, len(ys), len(sizes))
		}
		s := lineSeries(name, colors[i%len(colors)], ys, func(j int) float64 { return float64(sizes[j]) })
		s.Style["marker"] = "o"
		pd.Series = append(pd.Series, s)
	}
	return pd, nil
}

// ToJSON converts plot data to an indented JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// WriteJSON writes the plot data to path
func (pd PlotData) WriteJSON(path string) error {
	s, err := pd.ToJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		return fmt.Errorf("failed to write plot %s: %w", path, err)
	}
	return nil
}
