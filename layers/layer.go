package layers

import (
	"fmt"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	GlobalAvgPool2D
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case GlobalAvgPool2D:
		return "GlobalAvgPool2D"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - execution lives in Network.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Group is the layer group used for gradual unfreezing and
	// discriminative learning rates. Groups are numbered from the input side.
	Group int `json:"group"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	NumGroups       int     `json:"num_groups"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder assembles a ModelSpec layer by layer
type ModelBuilder struct {
	layers       []LayerSpec
	inputShape   []int
	currentGroup int
	compiled     bool
}

// NewModelBuilder creates a new model builder.
// inputShape is [batch, channels, height, width]; the batch dimension is
// nominal and the compiled network accepts any batch size.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// Group sets the layer group for every layer added after this call
func (mb *ModelBuilder) Group(group int) *ModelBuilder {
	mb.currentGroup = group
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	layer.Group = mb.currentGroup
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddMaxPool2D adds a max pooling layer
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	}
	return mb.AddLayer(layer)
}

// AddGlobalAvgPool2D averages each channel over its spatial extent,
// producing [batch, channels]
func (mb *ModelBuilder) AddGlobalAvgPool2D(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       GlobalAvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}

	for i, l := range mb.layers {
		model.Layers[i] = l
		model.Layers[i].Parameters = make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			model.Layers[i].Parameters[k] = v
		}
	}

	if err := model.compile(); err != nil {
		return nil, err
	}
	mb.compiled = true

	return model, nil
}

// compile fills in shapes, parameter metadata and group count. It is
// also used to re-validate specs decoded from checkpoints.
func (ms *ModelSpec) compile() error {
	currentShape := ms.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	maxGroup := 0
	prevGroup := 0

	for i := range ms.Layers {
		layer := &ms.Layers[i]

		if layer.Group < prevGroup {
			return fmt.Errorf("layer %d (%s): group %d follows group %d, groups must be non-decreasing",
				i, layer.Name, layer.Group, prevGroup)
		}
		prevGroup = layer.Group
		if layer.Group > maxGroup {
			maxGroup = layer.Group
		}

		// Set input shape for this layer
		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.NumGroups = maxGroup + 1
	ms.Compiled = true
	return nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case GlobalAvgPool2D:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("global average pooling requires 4D input")
		}
		return []int{inputShape[0], inputShape[1]}, [][]int{}, 0, nil
	case ReLU:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("input %v too small for kernel %d", inputShape, kernelSize)
	}

	outputShape := []int{inputShape[0], outputChannels, outputHeight, outputWidth}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires 4D input")
	}
	pool := getIntParam(layer.Parameters, "pool_size", 2)
	stride := getIntParam(layer.Parameters, "stride", pool)
	outH := (inputShape[2]-pool)/stride + 1
	outW := (inputShape[3]-pool)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("input %v too small for pool %d", inputShape, pool)
	}
	return []int{inputShape[0], inputShape[1], outH, outW}, [][]int{}, 0, nil
}

func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	summary := "Model Summary:\n"
	summary += fmt.Sprintf("Input Shape: %v\n", ms.InputShape)
	summary += fmt.Sprintf("Output Shape: %v\n", ms.OutputShape)
	summary += fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters)
	summary += fmt.Sprintf("Layer Groups: %d\n", ms.NumGroups)
	summary += fmt.Sprintf("Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		summary += fmt.Sprintf("Layer %d: %s (%s) [group %d]\n", i+1, layer.Name, layer.Type.String(), layer.Group)
		summary += fmt.Sprintf("  Input:  %v\n", layer.InputShape)
		summary += fmt.Sprintf("  Output: %v\n", layer.OutputShape)
		summary += fmt.Sprintf("  Params: %d\n", layer.ParameterCount)
	}

	return summary
}

// getIntParam tolerates the float64 values produced by JSON decoding
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return defaultValue
	}
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
