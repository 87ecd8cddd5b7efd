package onnx

import (
	"encoding/binary"
	"math"

	"github.com/nvr-ai/segconvert/wire"
)

// GraphBuilder assembles a serialized ONNX model. It is used to write small
// fixture graphs and by tests; it is not a general exporter.
type GraphBuilder struct {
	name            string
	producer        string
	producerVersion string
	irVersion       int64
	opset           int64
	inputs          []ValueInfo
	outputs         []ValueInfo
	initializers    []Initializer
	nodes           []Node
}

// NewGraphBuilder creates a builder for a graph with the given name.
//
// Arguments:
//   - name: The graph name.
//
// Returns:
//   - *GraphBuilder: A builder defaulting to IR version 8 and opset 13.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		name:      name,
		producer:  "segconvert",
		irVersion: 8,
		opset:     13,
	}
}

// Producer sets the producer identity.
func (b *GraphBuilder) Producer(name, version string) *GraphBuilder {
	b.producer, b.producerVersion = name, version
	return b
}

// IRVersion sets the IR version.
func (b *GraphBuilder) IRVersion(v int64) *GraphBuilder {
	b.irVersion = v
	return b
}

// Opset sets the default-domain opset version.
func (b *GraphBuilder) Opset(v int64) *GraphBuilder {
	b.opset = v
	return b
}

// Input declares a graph input.
func (b *GraphBuilder) Input(name string, dt DataType, shape ...int64) *GraphBuilder {
	b.inputs = append(b.inputs, ValueInfo{Name: name, ElemType: dt, Shape: shape})
	return b
}

// Output declares a graph output.
func (b *GraphBuilder) Output(name string, dt DataType, shape ...int64) *GraphBuilder {
	b.outputs = append(b.outputs, ValueInfo{Name: name, ElemType: dt, Shape: shape})
	return b
}

// Weights adds a float32 initializer.
func (b *GraphBuilder) Weights(name string, dims []int64, values []float32) *GraphBuilder {
	b.initializers = append(b.initializers, Initializer{Name: name, DataType: DataTypeFloat, Dims: dims, Floats: values})
	return b
}

// Ints adds an int64 initializer, such as a reshape target.
func (b *GraphBuilder) Ints(name string, dims []int64, values []int64) *GraphBuilder {
	b.initializers = append(b.initializers, Initializer{Name: name, DataType: DataTypeInt64, Dims: dims, Ints: values})
	return b
}

// Node appends an operator.
func (b *GraphBuilder) Node(opType string, inputs, outputs []string, attrs ...Attribute) *GraphBuilder {
	b.nodes = append(b.nodes, Node{
		Name:       opType + "_" + outputs[0],
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attrs,
	})
	return b
}

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, vs ...int64) Attribute {
	return Attribute{Name: name, Type: AttributeInts, Ints: vs}
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) Attribute {
	return Attribute{Name: name, Type: AttributeInt, I: v}
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) Attribute {
	return Attribute{Name: name, Type: AttributeFloat, F: v}
}

// StringAttr builds a STRING attribute.
func StringAttr(name, v string) Attribute {
	return Attribute{Name: name, Type: AttributeString, S: v}
}

// Bytes serializes the model.
func (b *GraphBuilder) Bytes() []byte {
	m := wire.NewEncoder()
	m.Int64(1, b.irVersion)
	m.String(2, b.producer)
	if b.producerVersion != "" {
		m.String(3, b.producerVersion)
	}
	m.Message(7, b.encodeGraph)
	m.Message(8, func(o *wire.Encoder) {
		o.String(1, "")
		o.Int64(2, b.opset)
	})
	return m.Bytes()
}

func (b *GraphBuilder) encodeGraph(g *wire.Encoder) {
	for _, n := range b.nodes {
		n := n
		g.Message(1, func(e *wire.Encoder) { encodeNode(e, n) })
	}
	g.String(2, b.name)
	for _, t := range b.initializers {
		t := t
		g.Message(5, func(e *wire.Encoder) { encodeTensor(e, &t) })
	}
	for _, v := range b.inputs {
		v := v
		g.Message(11, func(e *wire.Encoder) { encodeValueInfo(e, v) })
	}
	for _, v := range b.outputs {
		v := v
		g.Message(12, func(e *wire.Encoder) { encodeValueInfo(e, v) })
	}
}

func encodeNode(e *wire.Encoder, n Node) {
	for _, in := range n.Inputs {
		e.String(1, in)
	}
	for _, out := range n.Outputs {
		e.String(2, out)
	}
	e.String(3, n.Name)
	e.String(4, n.OpType)
	for _, a := range n.Attributes {
		a := a
		e.Message(5, func(ae *wire.Encoder) {
			ae.String(1, a.Name)
			switch a.Type {
			case AttributeFloat:
				ae.Float32(2, a.F)
			case AttributeInt:
				ae.Int64(3, a.I)
			case AttributeString:
				ae.String(4, a.S)
			case AttributeFloats:
				ae.PackedFloat32s(7, a.Floats)
			case AttributeInts:
				ae.Int64s(8, a.Ints)
			case AttributeStrings:
				for _, s := range a.Strings {
					ae.String(9, s)
				}
			}
			ae.Varint(20, uint64(a.Type))
		})
	}
}

func encodeTensor(e *wire.Encoder, t *Initializer) {
	e.Int64s(1, t.Dims)
	e.Varint(2, uint64(t.DataType))
	e.String(8, t.Name)

	var raw []byte
	switch t.DataType {
	case DataTypeFloat:
		raw = make([]byte, 4*len(t.Floats))
		for i, v := range t.Floats {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	case DataTypeInt64:
		raw = make([]byte, 8*len(t.Ints))
		for i, v := range t.Ints {
			binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
		}
	}
	e.Blob(9, raw)
}

func encodeValueInfo(e *wire.Encoder, v ValueInfo) {
	e.String(1, v.Name)
	e.Message(2, func(tp *wire.Encoder) {
		tp.Message(1, func(tt *wire.Encoder) {
			tt.Varint(1, uint64(v.ElemType))
			tt.Message(2, func(sh *wire.Encoder) {
				for _, d := range v.Shape {
					d := d
					sh.Message(1, func(de *wire.Encoder) { de.Int64(1, d) })
				}
			})
		})
	})
}
