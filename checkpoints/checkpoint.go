package checkpoints

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/optimizer"
	"github.com/tsawler/distribution-transfer/tensor"
)

const (
	frameworkName    = "distribution-transfer"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatONNX {
		return ".onnx"
	}
	return ".json"
}

// ParseFormat maps "json" / "onnx" to a CheckpointFormat
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q (want json or onnx)", s)
	}
}

// FormatFromPath picks the format from a file extension, defaulting to JSON
func FormatFromPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// Checkpoint is a saved model: architecture, weights and the training
// progress at the time it was written
type Checkpoint struct {
	ModelSpec     *layers.ModelSpec  `json:"model_spec"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress when the checkpoint was taken
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	Step          int     `json:"step"`
	LearningRate  float64 `json:"learning_rate"`
	Momentum      float64 `json:"momentum"`
	ValLoss       float64 `json:"val_loss"`
	ValAUC        float64 `json:"val_auc"`
	TrainableFrom int     `json:"trainable_from"`

	// Optimizer holds the momentum buffers at the time of the snapshot
	Optimizer *optimizer.OptimizerState `json:"optimizer,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// FromNetwork snapshots the parameters of net. Weight data is copied.
func FromNetwork(net *layers.Network, state TrainingState) *Checkpoint {
	params := net.NamedParameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	state.TrainableFrom = net.TrainableFrom()

	return &Checkpoint{
		ModelSpec:     net.Spec(),
		Weights:       weights,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:   frameworkVersion,
			Framework: frameworkName,
			CreatedAt: time.Now(),
		},
	}
}

// ApplyToNetwork copies every checkpoint weight into the parameter of the
// same name. Every parameter of net must be covered and every shape must
// match.
func ApplyToNetwork(checkpoint *Checkpoint, net *layers.Network) error {
	seen := make(map[string]bool, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		p, ok := net.Parameter(w.Name)
		if !ok {
			return fmt.Errorf("checkpoint weight %s has no matching parameter", w.Name)
		}
		if err := copyWeight(w, p.Value); err != nil {
			return err
		}
		seen[w.Name] = true
	}
	for _, p := range net.NamedParameters() {
		if !seen[p.Name] {
			return fmt.Errorf("checkpoint has no weights for parameter %s", p.Name)
		}
	}
	return nil
}

// ApplyMatching copies the checkpoint weights whose name and shape match a
// parameter of net and returns the names it skipped. It is used to start
// from pretrained weights when the head differs.
func ApplyMatching(checkpoint *Checkpoint, net *layers.Network) (applied int, skipped []string) {
	for _, w := range checkpoint.Weights {
		p, ok := net.Parameter(w.Name)
		if !ok || copyWeight(w, p.Value) != nil {
			skipped = append(skipped, w.Name)
			continue
		}
		applied++
	}
	return applied, skipped
}

func copyWeight(w WeightTensor, dst *tensor.Tensor) error {
	if !tensor.SameShape(w.Shape, dst.Shape) {
		return fmt.Errorf("%w: weight %s has shape %v, parameter has %v", layers.ErrShapeMismatch, w.Name, w.Shape, dst.Shape)
	}
	if len(w.Data) != len(dst.Data) {
		return fmt.Errorf("%w: weight %s has %d values, expected %d", layers.ErrShapeMismatch, w.Name, len(w.Data), len(dst.Data))
	}
	copy(dst.Data, w.Data)
	return nil
}

// NewNetwork builds a network from the checkpoint's spec and loads its
// weights
func (c *Checkpoint) NewNetwork() (*layers.Network, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	net, err := layers.NewNetwork(c.ModelSpec, nil)
	if err != nil {
		return nil, err
	}
	if err := ApplyToNetwork(c, net); err != nil {
		return nil, err
	}
	return net, nil
}

func splitParamName(name string) (layer, kind string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path. The file is written to a
// temporary name in the same directory and renamed into place, so an
// existing checkpoint at path is never left half-written.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var encode func(w io.Writer) error
	switch cs.format {
	case FormatJSON:
		encode = func(w io.Writer) error {
			encoder := json.NewEncoder(w)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(checkpoint); err != nil {
				return fmt.Errorf("failed to encode checkpoint: %w", err)
			}
			return nil
		}
	case FormatONNX:
		encode = func(w io.Writer) error {
			return NewONNXExporter().Export(checkpoint, w)
		}
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	return writeFileAtomic(path, encode)
}

// SaveNetwork snapshots net and writes it to path
func (cs *CheckpointSaver) SaveNetwork(net *layers.Network, path string, state TrainingState) error {
	return cs.SaveCheckpoint(FromNetwork(net, state), path)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		if err := json.NewDecoder(bufio.NewReader(file)).Decode(checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
	case FormatONNX:
		checkpoint, err = NewONNXImporter().Import(bufio.NewReader(file))
		if err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint %s has no model spec", path)
	}
	// re-derive shapes rather than trusting the file
	checkpoint.ModelSpec.Compiled = false
	return checkpoint, nil
}

// Load reads a checkpoint, choosing the format from the file extension
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatFromPath(path)).LoadCheckpoint(path)
}

// LoadNetwork reads a checkpoint and builds its network
func LoadNetwork(path string) (*layers.Network, *Checkpoint, error) {
	checkpoint, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	net, err := checkpoint.NewNetwork()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to restore network from %s: %w", path, err)
	}
	return net, checkpoint, nil
}

func writeFileAtomic(path string, encode func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	if err := encode(w); err != nil {
		cleanup()
		return err
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
