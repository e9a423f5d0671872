package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The ONNX messages below cover the subset of onnx.proto this package reads
// and writes. They are encoded field by field with protowire, using the
// field numbers of onnx.proto (proto2: repeated scalars are written
// unpacked, and both encodings are accepted when reading).

const (
	tensorFloat int32 = 1 // TensorProto.DataType FLOAT

	attrFloat  int32 = 1
	attrInt    int32 = 2
	attrString int32 = 3
	attrInts   int32 = 7
)

// ModelProto is the top-level ONNX message
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
}

// OperatorSetIdProto names an operator set version
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a metadata key/value pair
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto is the computation graph
type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

// NodeProto is a single operator invocation
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

// AttributeProto is a named operator attribute
type AttributeProto struct {
	Name string
	Type int32
	F    float32
	I    int64
	S    []byte
	Ints []int64
}

// TensorProto holds an initializer. Data is stored either in FloatData or
// as little-endian RawData.
type TensorProto struct {
	Name      string
	Dims      []int64
	DataType  int32
	FloatData []float32
	RawData   []byte
}

// ValueInfoProto describes a graph input or output. A negative entry in
// Shape is written as the symbolic dimension "N".
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []int64
}

// Metadata returns the value stored under key
func (m *ModelProto) Metadata(key string) (string, bool) {
	for _, p := range m.MetadataProps {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Floats decodes the tensor payload
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != tensorFloat {
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
	}
	if len(t.RawData) > 0 {
		if len(t.RawData)%4 != 0 {
			return nil, fmt.Errorf("tensor %s: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
		}
		out := make([]float32, len(t.RawData)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
		}
		return out, nil
	}
	return t.FloatData, nil
}

func newFloatTensor(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &TensorProto{Name: name, Dims: dims, DataType: tensorFloat, RawData: raw}
}

// Encoding

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// Marshal encodes the model in protobuf wire format
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.IrVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendVarint(b, 5, m.ModelVersion)
	if m.Graph != nil {
		b = appendBytes(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendString(ob, 1, op.Domain)
		ob = appendVarint(ob, 2, op.Version)
		b = appendBytes(b, 8, ob)
	}
	for _, p := range m.MetadataProps {
		var pb []byte
		pb = appendString(pb, 1, p.Key)
		pb = appendString(pb, 2, p.Value)
		b = appendBytes(b, 14, pb)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendBytes(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendBytes(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendBytes(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendBytes(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendBytes(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case attrString:
		b = appendBytes(b, 4, a.S)
	case attrInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = appendVarint(b, 20, int64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = appendVarint(b, 2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, v := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendBytes(b, 4, packed)
	}
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = appendBytes(b, 9, t.RawData)
	}
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = appendString(dim, 2, "N")
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		shape = appendBytes(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = appendVarint(tensorType, 1, int64(v.ElemType))
	tensorType = appendBytes(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendBytes(typeProto, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendBytes(b, 2, typeProto)
	return b
}

// Decoding

// fieldFunc handles one field whose tag has been consumed. It returns the
// number of bytes it consumed, or -1 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("expected length-delimited field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("expected varint field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int64(v), n, nil
}

// consumeInt64s reads a repeated int64 in either packed or unpacked form
func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, v)
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, int64(v))
		packed = packed[m:]
	}
	return n, nil
}

// UnmarshalModel decodes an ONNX model
func UnmarshalModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.IrVersion = v
			return n, err
		case 2, 3:
			v, n, err := consumeBytes(typ, b)
			if num == 2 {
				m.ProducerName = string(v)
			} else {
				m.ProducerVersion = string(v)
			}
			return n, err
		case 5:
			v, n, err := consumeVarint(typ, b)
			m.ModelVersion = v
			return n, err
		case 7:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Graph, err = unmarshalGraph(v)
			return n, err
		case 8:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			op := &OperatorSetIdProto{}
			err = walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					s, n, err := consumeBytes(typ, b)
					op.Domain = string(s)
					return n, err
				case 2:
					x, n, err := consumeVarint(typ, b)
					op.Version = x
					return n, err
				}
				return -1, nil
			})
			m.OpsetImport = append(m.OpsetImport, op)
			return n, err
		case 14:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			p := &StringStringEntryProto{}
			err = walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 && num != 2 {
					return -1, nil
				}
				s, n, err := consumeBytes(typ, b)
				if num == 1 {
					p.Key = string(s)
				} else {
					p.Value = string(s)
				}
				return n, err
			})
			m.MetadataProps = append(m.MetadataProps, p)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX model: %w", err)
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 5, 11, 12:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				node, err := unmarshalNode(v)
				g.Node = append(g.Node, node)
				return n, err
			case 5:
				t, err := unmarshalTensor(v)
				g.Initializer = append(g.Initializer, t)
				return n, err
			default:
				vi, err := unmarshalValueInfo(v)
				if num == 11 {
					g.Input = append(g.Input, vi)
				} else {
					g.Output = append(g.Output, vi)
				}
				return n, err
			}
		case 2:
			v, n, err := consumeBytes(typ, b)
			g.Name = string(v)
			return n, err
		}
		return -1, nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	node := &NodeProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 5 {
			return -1, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			node.Input = append(node.Input, string(v))
		case 2:
			node.Output = append(node.Output, string(v))
		case 3:
			node.Name = string(v)
		case 4:
			node.OpType = string(v)
		case 5:
			attr, err := unmarshalAttribute(v)
			if err != nil {
				return 0, err
			}
			node.Attribute = append(node.Attribute, attr)
		}
		return n, nil
	})
	return node, err
}

func unmarshalAttribute(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 4:
			v, n, err := consumeBytes(typ, b)
			if num == 1 {
				a.Name = string(v)
			} else {
				a.S = append([]byte(nil), v...)
			}
			return n, err
		case 2:
			if typ != protowire.Fixed32Type {
				return 0, fmt.Errorf("expected fixed32 float, got wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.F = math.Float32frombits(v)
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			a.I = v
			return n, err
		case 8:
			return consumeInt64s(typ, b, &a.Ints)
		case 20:
			v, n, err := consumeVarint(typ, b)
			a.Type = int32(v)
			return n, err
		}
		return -1, nil
	})
	return a, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64s(typ, b, &t.Dims)
		case 2:
			v, n, err := consumeVarint(typ, b)
			t.DataType = int32(v)
			return n, err
		case 4:
			if typ == protowire.Fixed32Type {
				v, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				t.FloatData = append(t.FloatData, math.Float32frombits(v))
				return n, nil
			}
			packed, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(packed)%4 != 0 {
				return 0, fmt.Errorf("packed float data length %d is not a multiple of 4", len(packed))
			}
			for i := 0; i < len(packed); i += 4 {
				t.FloatData = append(t.FloatData, math.Float32frombits(binary.LittleEndian.Uint32(packed[i:])))
			}
			return n, nil
		case 8:
			v, n, err := consumeBytes(typ, b)
			t.Name = string(v)
			return n, err
		case 9:
			v, n, err := consumeBytes(typ, b)
			t.RawData = append([]byte(nil), v...)
			return n, err
		}
		return -1, nil
	})
	return t, err
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	vi := &ValueInfoProto{}

	parseDim := func(b []byte) error {
		dim := int64(-1)
		err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return -1, nil
			}
			v, n, err := consumeVarint(typ, b)
			dim = v
			return n, err
		})
		vi.Shape = append(vi.Shape, dim)
		return err
	}

	// nested walks over TypeProto -> Tensor -> TensorShapeProto
	var walkNested func(b []byte, depth int) error
	walkNested = func(b []byte, depth int) error {
		return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case depth == 0 && num == 1, depth == 1 && num == 2:
				v, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				return n, walkNested(v, depth+1)
			case depth == 1 && num == 1:
				v, n, err := consumeVarint(typ, b)
				vi.ElemType = int32(v)
				return n, err
			case depth == 2 && num == 1:
				v, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				return n, parseDim(v)
			}
			return -1, nil
		})
	}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			vi.Name = string(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walkNested(v, 0)
		}
		return -1, nil
	})
	return vi, err
}
