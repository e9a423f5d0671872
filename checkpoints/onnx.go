package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tsawler/distribution-transfer/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	metaModelSpec     = "model_spec"
	metaTrainingState = "training_state"
	metaDescription   = "description"
)

// ONNXExporter converts a checkpoint to an ONNX model. The graph mirrors the
// network layer by layer with weights stored as initializers, and the
// ModelSpec and TrainingState travel in metadata_props so the checkpoint can
// be restored exactly.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// Export writes checkpoint to w in ONNX format
func (oe *ONNXExporter) Export(checkpoint *Checkpoint, w io.Writer) error {
	model, err := oe.BuildModel(checkpoint)
	if err != nil {
		return err
	}
	if _, err := w.Write(model.Marshal()); err != nil {
		return fmt.Errorf("failed to write ONNX model: %w", err)
	}
	return nil
}

// BuildModel creates the ONNX model for checkpoint
func (oe *ONNXExporter) BuildModel(checkpoint *Checkpoint) (*ModelProto, error) {
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}

	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	specJSON, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}
	stateJSON, err := json.Marshal(checkpoint.TrainingState)
	if err != nil {
		return nil, fmt.Errorf("failed to encode training state: %w", err)
	}

	model := &ModelProto{
		IrVersion:       onnxIRVersion,
		ProducerName:    checkpoint.Metadata.Framework,
		ProducerVersion: checkpoint.Metadata.Version,
		ModelVersion:    1,
		Graph:           graph,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		MetadataProps: []*StringStringEntryProto{
			{Key: metaModelSpec, Value: string(specJSON)},
			{Key: metaTrainingState, Value: string(stateJSON)},
		},
	}
	if checkpoint.Metadata.Description != "" {
		model.MetadataProps = append(model.MetadataProps,
			&StringStringEntryProto{Key: metaDescription, Value: checkpoint.Metadata.Description})
	}
	return model, nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	graph := &GraphProto{Name: "distribution-transfer"}

	inputShape := make([]int64, len(spec.InputShape))
	for i, d := range spec.InputShape {
		inputShape[i] = int64(d)
	}
	inputShape[0] = -1
	graph.Input = []*ValueInfoProto{{Name: "input", ElemType: tensorFloat, Shape: inputShape}}

	current := "input"
	for _, ls := range spec.Layers {
		var nodes []*NodeProto
		var inits []*TensorProto
		var err error

		switch ls.Type {
		case layers.Conv2D:
			nodes, inits, err = oe.convNode(ls, weightMap, current)
		case layers.Dense:
			nodes, inits, err = oe.denseNodes(ls, weightMap, current)
		case layers.ReLU:
			nodes = []*NodeProto{{Name: ls.Name, OpType: "Relu", Input: []string{current}, Output: []string{ls.Name}}}
		case layers.MaxPool2D:
			pool := int64(paramInt(ls, "pool_size", 2))
			stride := int64(paramInt(ls, "stride", int(pool)))
			nodes = []*NodeProto{{
				Name:   ls.Name,
				OpType: "MaxPool",
				Input:  []string{current},
				Output: []string{ls.Name},
				Attribute: []*AttributeProto{
					intsAttr("kernel_shape", pool, pool),
					intsAttr("strides", stride, stride),
				},
			}}
		case layers.GlobalAvgPool2D:
			// GlobalAveragePool keeps [N, C, 1, 1]; Flatten gives [N, C]
			pooled := ls.Name + "_pooled"
			nodes = []*NodeProto{
				{Name: ls.Name, OpType: "GlobalAveragePool", Input: []string{current}, Output: []string{pooled}},
				{
					Name:      ls.Name + "_flatten",
					OpType:    "Flatten",
					Input:     []string{pooled},
					Output:    []string{ls.Name},
					Attribute: []*AttributeProto{{Name: "axis", Type: attrInt, I: 1}},
				},
			}
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", ls.Type)
		}
		if err != nil {
			return nil, err
		}

		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, inits...)
		current = nodes[len(nodes)-1].Output[0]
	}

	outputShape := make([]int64, len(spec.OutputShape))
	for i, d := range spec.OutputShape {
		outputShape[i] = int64(d)
	}
	if len(outputShape) > 0 {
		outputShape[0] = -1
	}
	graph.Output = []*ValueInfoProto{{Name: current, ElemType: tensorFloat, Shape: outputShape}}

	return graph, nil
}

func (oe *ONNXExporter) convNode(ls layers.LayerSpec, weightMap map[string]WeightTensor, input string) ([]*NodeProto, []*TensorProto, error) {
	weight, ok := weightMap[ls.Name+".weight"]
	if !ok {
		return nil, nil, fmt.Errorf("missing weights for conv layer %s", ls.Name)
	}
	inits := []*TensorProto{newFloatTensor(weight.Name, weight.Shape, weight.Data)}
	inputs := []string{input, weight.Name}
	if bias, ok := weightMap[ls.Name+".bias"]; ok {
		inits = append(inits, newFloatTensor(bias.Name, bias.Shape, bias.Data))
		inputs = append(inputs, bias.Name)
	}

	k := int64(paramInt(ls, "kernel_size", 3))
	s := int64(paramInt(ls, "stride", 1))
	p := int64(paramInt(ls, "padding", 0))
	node := &NodeProto{
		Name:   ls.Name,
		OpType: "Conv",
		Input:  inputs,
		Output: []string{ls.Name},
		Attribute: []*AttributeProto{
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
			intsAttr("pads", p, p, p, p),
		},
	}
	return []*NodeProto{node}, inits, nil
}

// denseNodes emits Flatten + MatMul (+ Add). Weights are stored [in, out],
// which is already the MatMul layout.
func (oe *ONNXExporter) denseNodes(ls layers.LayerSpec, weightMap map[string]WeightTensor, input string) ([]*NodeProto, []*TensorProto, error) {
	weight, ok := weightMap[ls.Name+".weight"]
	if !ok {
		return nil, nil, fmt.Errorf("missing weights for dense layer %s", ls.Name)
	}
	inits := []*TensorProto{newFloatTensor(weight.Name, weight.Shape, weight.Data)}

	flat := ls.Name + "_flat"
	matmul := ls.Name + "_matmul"
	nodes := []*NodeProto{
		{
			Name:      ls.Name + "_flatten",
			OpType:    "Flatten",
			Input:     []string{input},
			Output:    []string{flat},
			Attribute: []*AttributeProto{{Name: "axis", Type: attrInt, I: 1}},
		},
		{Name: matmul, OpType: "MatMul", Input: []string{flat, weight.Name}, Output: []string{matmul}},
	}

	if bias, ok := weightMap[ls.Name+".bias"]; ok {
		inits = append(inits, newFloatTensor(bias.Name, bias.Shape, bias.Data))
		nodes = append(nodes, &NodeProto{
			Name:   ls.Name + "_add",
			OpType: "Add",
			Input:  []string{matmul, bias.Name},
			Output: []string{ls.Name},
		})
	} else {
		nodes[1].Output = []string{ls.Name}
	}
	return nodes, inits, nil
}

func intsAttr(name string, values ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: attrInts, Ints: values}
}

func paramInt(ls layers.LayerSpec, key string, def int) int {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ONNXImporter restores checkpoints written by ONNXExporter
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Import reads an ONNX model from r. The model must carry the model_spec
// metadata entry; weights are taken from the initializers by name.
func (oi *ONNXImporter) Import(r io.Reader) (*Checkpoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX model: %w", err)
	}
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, err
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	specJSON, ok := model.Metadata(metaModelSpec)
	if !ok {
		return nil, fmt.Errorf("ONNX model has no %s metadata; only models exported by this package can be restored", metaModelSpec)
	}
	var spec layers.ModelSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode model spec: %w", err)
	}

	checkpoint := &Checkpoint{
		ModelSpec: &spec,
		Metadata: CheckpointMetadata{
			Framework: model.ProducerName,
			Version:   model.ProducerVersion,
		},
	}
	if stateJSON, ok := model.Metadata(metaTrainingState); ok {
		if err := json.Unmarshal([]byte(stateJSON), &checkpoint.TrainingState); err != nil {
			return nil, fmt.Errorf("failed to decode training state: %w", err)
		}
	}
	checkpoint.Metadata.Description, _ = model.Metadata(metaDescription)

	for _, init := range model.Graph.Initializer {
		values, err := init.Floats()
		if err != nil {
			return nil, err
		}
		shape := make([]int, len(init.Dims))
		for i, d := range init.Dims {
			shape[i] = int(d)
		}
		layer, kind := splitParamName(init.Name)
		checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
			Name:  init.Name,
			Shape: shape,
			Data:  values,
			Layer: layer,
			Type:  kind,
		})
	}
	return checkpoint, nil
}
