package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/distribution-transfer/tensor"
)

// module is the executable counterpart of a LayerSpec. Gradients are
// accumulated as sums; the loss gradient already carries the 1/batch factor.
type module interface {
	forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// backward propagates gradOut. Parameter gradients are accumulated only
	// when paramGrads is set; the input gradient is returned only when
	// inputGrad is set.
	backward(gradOut *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error)
	params() []*Parameter
}

// Parameter is a named learnable tensor
type Parameter struct {
	Name  string // "<layer>.weight" or "<layer>.bias"
	Layer string
	Kind  string // "weight" or "bias"
	Group int
	Value *tensor.Tensor
}

func newParameter(layer, kind string, group int, shape []int) *Parameter {
	return &Parameter{
		Name:  layer + "." + kind,
		Layer: layer,
		Kind:  kind,
		Group: group,
		Value: tensor.MustNew(shape...),
	}
}

// conv2d - NCHW convolution with square kernels
type conv2d struct {
	spec    LayerSpec
	weight  *Parameter // [outC, inC, k, k]
	bias    *Parameter
	k       int
	stride  int
	padding int
	input   *tensor.Tensor
}

func newConv2D(spec LayerSpec) *conv2d {
	c := &conv2d{
		spec:    spec,
		k:       getIntParam(spec.Parameters, "kernel_size", 3),
		stride:  getIntParam(spec.Parameters, "stride", 1),
		padding: getIntParam(spec.Parameters, "padding", 0),
	}
	c.weight = newParameter(spec.Name, "weight", spec.Group, spec.ParameterShapes[0])
	if len(spec.ParameterShapes) > 1 {
		c.bias = newParameter(spec.Name, "bias", spec.Group, spec.ParameterShapes[1])
	}
	return c
}

func (c *conv2d) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected 4D input, got %v", c.spec.Name, x.Shape)
	}
	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC := c.weight.Value.Shape[0]
	if inC != c.weight.Value.Shape[1] {
		return nil, fmt.Errorf("%s: input has %d channels, weights expect %d", c.spec.Name, inC, c.weight.Value.Shape[1])
	}
	outH := (inH+2*c.padding-c.k)/c.stride + 1
	outW := (inW+2*c.padding-c.k)/c.stride + 1

	out, err := tensor.New(batch, outC, outH, outW)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.spec.Name, err)
	}
	c.input = x

	w := c.weight.Value.Data
	kk := c.k * c.k
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			var bias float32
			if c.bias != nil {
				bias = c.bias.Value.Data[oc]
			}
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := bias
					for ic := 0; ic < inC; ic++ {
						inBase := ((b*inC + ic) * inH) * inW
						wBase := (oc*inC + ic) * kk
						for kh := 0; kh < c.k; kh++ {
							ih := oh*c.stride + kh - c.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < c.k; kw++ {
								iw := ow*c.stride + kw - c.padding
								if iw < 0 || iw >= inW {
									continue
								}
								sum += x.Data[inBase+ih*inW+iw] * w[wBase+kh*c.k+kw]
							}
						}
					}
					out.Data[((b*outC+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}
	return out, nil
}

func (c *conv2d) backward(gradOut *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, fmt.Errorf("%s: backward called before forward", c.spec.Name)
	}
	batch, inC, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, outH, outW := gradOut.Shape[1], gradOut.Shape[2], gradOut.Shape[3]

	var gradIn *tensor.Tensor
	if inputGrad {
		gradIn = tensor.MustNew(x.Shape...)
	}

	w := c.weight.Value.Data
	gw := c.weight.Value.Grad
	kk := c.k * c.k
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					dout := gradOut.Data[((b*outC+oc)*outH+oh)*outW+ow]
					if dout == 0 {
						continue
					}
					if paramGrads && c.bias != nil {
						c.bias.Value.Grad[oc] += dout
					}
					for ic := 0; ic < inC; ic++ {
						inBase := ((b*inC + ic) * inH) * inW
						wBase := (oc*inC + ic) * kk
						for kh := 0; kh < c.k; kh++ {
							ih := oh*c.stride + kh - c.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < c.k; kw++ {
								iw := ow*c.stride + kw - c.padding
								if iw < 0 || iw >= inW {
									continue
								}
								inIdx := inBase + ih*inW + iw
								wIdx := wBase + kh*c.k + kw
								if paramGrads {
									gw[wIdx] += x.Data[inIdx] * dout
								}
								if inputGrad {
									gradIn.Data[inIdx] += w[wIdx] * dout
								}
							}
						}
					}
				}
			}
		}
	}
	return gradIn, nil
}

func (c *conv2d) params() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

// relu - elementwise max(0, x)
type relu struct {
	input *tensor.Tensor
}

func (r *relu) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	r.input = x
	out := tensor.MustNew(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

func (r *relu) backward(gradOut *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if !inputGrad {
		return nil, nil
	}
	gradIn := tensor.MustNew(gradOut.Shape...)
	for i, v := range r.input.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn, nil
}

func (r *relu) params() []*Parameter { return nil }

// maxPool2D - non-overlapping or strided max pooling; argmax kept for backward
type maxPool2D struct {
	pool       int
	stride     int
	inputShape []int
	argmax     []int
}

func (m *maxPool2D) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("max pool: expected 4D input, got %v", x.Shape)
	}
	batch, ch, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (inH-m.pool)/m.stride + 1
	outW := (inW-m.pool)/m.stride + 1

	out := tensor.MustNew(batch, ch, outH, outW)
	m.inputShape = x.Shape
	m.argmax = make([]int, out.Len())

	for bc := 0; bc < batch*ch; bc++ {
		inBase := bc * inH * inW
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				best := float32(math.Inf(-1))
				bestIdx := inBase
				for ph := 0; ph < m.pool; ph++ {
					for pw := 0; pw < m.pool; pw++ {
						idx := inBase + (oh*m.stride+ph)*inW + ow*m.stride + pw
						if x.Data[idx] > best {
							best = x.Data[idx]
							bestIdx = idx
						}
					}
				}
				outIdx := (bc*outH+oh)*outW + ow
				out.Data[outIdx] = best
				m.argmax[outIdx] = bestIdx
			}
		}
	}
	return out, nil
}

func (m *maxPool2D) backward(gradOut *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if !inputGrad {
		return nil, nil
	}
	gradIn := tensor.MustNew(m.inputShape...)
	for i, g := range gradOut.Data {
		gradIn.Data[m.argmax[i]] += g
	}
	return gradIn, nil
}

func (m *maxPool2D) params() []*Parameter { return nil }

// globalAvgPool2D - [B, C, H, W] -> [B, C]
type globalAvgPool2D struct {
	inputShape []int
}

func (g *globalAvgPool2D) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("global average pool: expected 4D input, got %v", x.Shape)
	}
	batch, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	g.inputShape = x.Shape
	out := tensor.MustNew(batch, ch)
	area := h * w
	for bc := 0; bc < batch*ch; bc++ {
		var sum float32
		for _, v := range x.Data[bc*area : (bc+1)*area] {
			sum += v
		}
		out.Data[bc] = sum / float32(area)
	}
	return out, nil
}

func (g *globalAvgPool2D) backward(gradOut *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if !inputGrad {
		return nil, nil
	}
	gradIn := tensor.MustNew(g.inputShape...)
	area := g.inputShape[2] * g.inputShape[3]
	scale := 1 / float32(area)
	for bc, d := range gradOut.Data {
		share := d * scale
		for i := bc * area; i < (bc+1)*area; i++ {
			gradIn.Data[i] = share
		}
	}
	return gradIn, nil
}

func (g *globalAvgPool2D) params() []*Parameter { return nil }

// dense - y = x W + b with W stored as [inputSize, outputSize]
type dense struct {
	spec    LayerSpec
	weight  *Parameter
	bias    *Parameter
	input   *tensor.Tensor // flattened [B, inputSize]
	inShape []int
}

func newDense(spec LayerSpec) *dense {
	d := &dense{spec: spec}
	d.weight = newParameter(spec.Name, "weight", spec.Group, spec.ParameterShapes[0])
	if len(spec.ParameterShapes) > 1 {
		d.bias = newParameter(spec.Name, "bias", spec.Group, spec.ParameterShapes[1])
	}
	return d
}

func (d *dense) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	inSize := x.Len() / batch
	nIn, nOut := d.weight.Value.Shape[0], d.weight.Value.Shape[1]
	if inSize != nIn {
		return nil, fmt.Errorf("%s: input has %d features, weights expect %d", d.spec.Name, inSize, nIn)
	}

	flat, err := tensor.FromData(x.Data, batch, inSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.spec.Name, err)
	}
	d.input = flat
	d.inShape = x.Shape

	out := tensor.MustNew(batch, nOut)
	w := d.weight.Value.Data
	for b := 0; b < batch; b++ {
		row := flat.Data[b*nIn : (b+1)*nIn]
		for j := 0; j < nOut; j++ {
			var sum float32
			if d.bias != nil {
				sum = d.bias.Value.Data[j]
			}
			for i, v := range row {
				sum += v * w[i*nOut+j]
			}
			out.Data[b*nOut+j] = sum
		}
	}
	return out, nil
}

func (d *dense) backward(gradOut *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("%s: backward called before forward", d.spec.Name)
	}
	batch := d.input.Shape[0]
	nIn, nOut := d.weight.Value.Shape[0], d.weight.Value.Shape[1]

	var gradIn *tensor.Tensor
	if inputGrad {
		gradIn = tensor.MustNew(d.inShape...)
	}

	w := d.weight.Value.Data
	gw := d.weight.Value.Grad
	for b := 0; b < batch; b++ {
		row := d.input.Data[b*nIn : (b+1)*nIn]
		for j := 0; j < nOut; j++ {
			g := gradOut.Data[b*nOut+j]
			if paramGrads && d.bias != nil {
				d.bias.Value.Grad[j] += g
			}
			for i := 0; i < nIn; i++ {
				if paramGrads {
					gw[i*nOut+j] += row[i] * g
				}
				if inputGrad {
					gradIn.Data[b*nIn+i] += w[i*nOut+j] * g
				}
			}
		}
	}
	return gradIn, nil
}

func (d *dense) params() []*Parameter {
	if d.bias != nil {
		return []*Parameter{d.weight, d.bias}
	}
	return []*Parameter{d.weight}
}
