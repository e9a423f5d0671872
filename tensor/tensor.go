package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense float32 array in row-major order with an attached
// gradient buffer of the same size. Image batches use NCHW layout.
type Tensor struct {
	Shape    []int
	Strides  []int
	NumElems int
	Data     []float32
	Grad     []float32
}

// New creates a zero-filled tensor with the given shape
func New(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := calculateNumElements(shape)
	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		NumElems: n,
		Data:     make([]float32, n),
		Grad:     make([]float32, n),
	}, nil
}

// MustNew is New for shapes known to be valid at compile time
func MustNew(shape ...int) *Tensor {
	t, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromData wraps an existing slice. The slice is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d doesn't match shape %v (expected %d)", len(data), shape, n)
	}

	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		NumElems: n,
		Data:     data,
		Grad:     make([]float32, n),
	}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return t.NumElems
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// At returns the element at the given multi-dimensional index
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.offset(indices)]
}

// Set stores a value at the given multi-dimensional index
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.offset(indices)] = value
}

func (t *Tensor) offset(indices []int) int {
	idx := 0
	for i, v := range indices {
		idx += v * t.Strides[i]
	}
	return idx
}

// Fill sets every element to value
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// FillNormal replaces every element with an independent draw from
// Normal(mean, std). std is used as a multiplier, so a negative std
// draws from the mirrored distribution.
func (t *Tensor) FillNormal(mean, std float64, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()*std + mean)
	}
}

// ZeroGrad clears the gradient buffer
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Clone returns a deep copy of data and gradient
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  copyShape(t.Strides),
		NumElems: t.NumElems,
		Data:     make([]float32, len(t.Data)),
		Grad:     make([]float32, len(t.Grad)),
	}
	copy(c.Data, t.Data)
	copy(c.Grad, t.Grad)
	return c
}

// Mean returns the arithmetic mean of the data, accumulated in float64
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(len(t.Data))
}

// Std returns the population standard deviation of the data
func (t *Tensor) Std() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	mean := t.Mean()
	sum := 0.0
	for _, v := range t.Data {
		d := float64(v) - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(t.Data)))
}

// SameShape reports whether two shapes are identical
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
