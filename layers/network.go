package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/distribution-transfer/tensor"
)

// ErrShapeMismatch is returned when a tensor does not fit the network
var ErrShapeMismatch = errors.New("shape mismatch")

// Network is an executable CPU model compiled from a ModelSpec.
// Layer groups are frozen from the input side: groups below
// trainableFrom receive no gradient updates.
type Network struct {
	spec          *ModelSpec
	modules       []module
	groupOf       []int
	parameters    []*Parameter
	byName        map[string]*Parameter
	trainableFrom int
	training      bool
}

// NewNetwork builds an executable network and initializes every weight
// with He-normal values and every bias with zeros
func NewNetwork(spec *ModelSpec, rng *rand.Rand) (*Network, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec cannot be nil")
	}
	if !spec.Compiled {
		if err := spec.compile(); err != nil {
			return nil, fmt.Errorf("failed to compile model spec: %w", err)
		}
	}

	n := &Network{
		spec:     spec,
		byName:   make(map[string]*Parameter),
		training: true,
	}

	for _, ls := range spec.Layers {
		var m module
		switch ls.Type {
		case Conv2D:
			m = newConv2D(ls)
		case Dense:
			m = newDense(ls)
		case ReLU:
			m = &relu{}
		case MaxPool2D:
			pool := getIntParam(ls.Parameters, "pool_size", 2)
			m = &maxPool2D{pool: pool, stride: getIntParam(ls.Parameters, "stride", pool)}
		case GlobalAvgPool2D:
			m = &globalAvgPool2D{}
		default:
			return nil, fmt.Errorf("unsupported layer type for layer %s: %s", ls.Name, ls.Type.String())
		}

		for _, p := range m.params() {
			if _, dup := n.byName[p.Name]; dup {
				return nil, fmt.Errorf("duplicate parameter name %s", p.Name)
			}
			n.byName[p.Name] = p
			n.parameters = append(n.parameters, p)
		}
		n.modules = append(n.modules, m)
		n.groupOf = append(n.groupOf, ls.Group)
	}

	if rng != nil {
		n.initialize(rng)
	}
	return n, nil
}

func (n *Network) initialize(rng *rand.Rand) {
	for _, p := range n.parameters {
		if p.Kind == "bias" {
			p.Value.Fill(0)
			continue
		}
		std := math.Sqrt(2.0 / float64(fanIn(p.Value.Shape)))
		p.Value.FillNormal(0, std, rng)
	}
}

// fanIn for conv weights [outC, inC, k, k] and dense weights [in, out]
func fanIn(shape []int) int {
	switch len(shape) {
	case 4:
		return shape[1] * shape[2] * shape[3]
	case 2:
		return shape[0]
	default:
		return 1
	}
}

// Spec returns the compiled model specification
func (n *Network) Spec() *ModelSpec {
	return n.spec
}

// NumGroups returns the number of layer groups
func (n *Network) NumGroups() int {
	return n.spec.NumGroups
}

// SetTraining switches between training and evaluation mode
func (n *Network) SetTraining(training bool) {
	n.training = training
}

// IsTraining reports the current mode
func (n *Network) IsTraining() bool {
	return n.training
}

// Forward runs the network on a [batch, C, H, W] input and returns the
// raw output, [batch, outputs]
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	want := n.spec.InputShape
	if len(x.Shape) != len(want) || !tensor.SameShape(x.Shape[1:], want[1:]) {
		return nil, fmt.Errorf("%w: input %v, network expects [N %v]", ErrShapeMismatch, x.Shape, want[1:])
	}

	out := x
	var err error
	for i, m := range n.modules {
		out, err = m.forward(out, n.training)
		if err != nil {
			return nil, fmt.Errorf("forward through layer %s failed: %w", n.spec.Layers[i].Name, err)
		}
	}
	return out, nil
}

// Backward propagates the gradient of the loss with respect to the network
// output. Gradients are accumulated into trainable parameters only, and
// propagation stops at the lowest trainable layer.
func (n *Network) Backward(gradOut *tensor.Tensor) error {
	stop := n.lowestTrainableModule()
	if stop < 0 {
		return nil
	}

	grad := gradOut
	var err error
	for i := len(n.modules) - 1; i >= stop; i-- {
		trainable := n.groupOf[i] >= n.trainableFrom
		grad, err = n.modules[i].backward(grad, trainable, i > stop)
		if err != nil {
			return fmt.Errorf("backward through layer %s failed: %w", n.spec.Layers[i].Name, err)
		}
	}
	return nil
}

func (n *Network) lowestTrainableModule() int {
	for i, g := range n.groupOf {
		if g >= n.trainableFrom && len(n.modules[i].params()) > 0 {
			return i
		}
	}
	return -1
}

// ZeroGrad clears every parameter gradient
func (n *Network) ZeroGrad() {
	for _, p := range n.parameters {
		p.Value.ZeroGrad()
	}
}

// Freeze makes only the last layer group trainable
func (n *Network) Freeze() {
	n.trainableFrom = n.spec.NumGroups - 1
}

// Unfreeze makes every group from the given index onwards trainable.
// Unfreezing is one-way: a call never re-freezes a group that is already
// trainable.
func (n *Network) Unfreeze(from int) error {
	if from < 0 || from >= n.spec.NumGroups {
		return fmt.Errorf("group index %d out of range [0, %d)", from, n.spec.NumGroups)
	}
	if from < n.trainableFrom {
		n.trainableFrom = from
	}
	return nil
}

// TrainableFrom returns the lowest trainable group index
func (n *Network) TrainableFrom() int {
	return n.trainableFrom
}

// IsGroupFrozen reports whether a group receives no updates
func (n *Network) IsGroupFrozen(group int) bool {
	return group < n.trainableFrom
}

// NamedParameters returns all parameters in layer order
func (n *Network) NamedParameters() []*Parameter {
	return n.parameters
}

// Parameter looks up a parameter by its full name
func (n *Network) Parameter(name string) (*Parameter, bool) {
	p, ok := n.byName[name]
	return p, ok
}

// ParameterGroups returns the parameters partitioned by layer group
func (n *Network) ParameterGroups() [][]*Parameter {
	groups := make([][]*Parameter, n.spec.NumGroups)
	for _, p := range n.parameters {
		groups[p.Group] = append(groups[p.Group], p)
	}
	return groups
}

// TrainableParameters returns the count of parameters in unfrozen groups
func (n *Network) TrainableParameters() int {
	total := 0
	for _, p := range n.parameters {
		if !n.IsGroupFrozen(p.Group) {
			total += p.Value.Len()
		}
	}
	return total
}

// TotalParameters returns the count of all parameters
func (n *Network) TotalParameters() int {
	total := 0
	for _, p := range n.parameters {
		total += p.Value.Len()
	}
	return total
}

// FreezeSummary returns a human-readable summary of frozen/trainable groups
func (n *Network) FreezeSummary() string {
	var sb strings.Builder
	for g, params := range n.ParameterGroups() {
		count := 0
		for _, p := range params {
			count += p.Value.Len()
		}
		status := "trainable"
		if n.IsGroupFrozen(g) {
			status = "FROZEN"
		}
		sb.WriteString(fmt.Sprintf("Group %d: %d params [%s]\n", g, count, status))
	}
	sb.WriteString(fmt.Sprintf("Trainable params: %d / %d\n", n.TrainableParameters(), n.TotalParameters()))
	return sb.String()
}
