// Package onnx - Loading and inspecting ONNX interchange-format graphs.
package onnx

import (
	"sort"

	"github.com/nvr-ai/segconvert/conversion"
)

// DataType is an ONNX TensorProto.DataType value.
type DataType int32

// DataType constants are the ONNX element types the converters understand.
const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeUint8     DataType = 2
	DataTypeInt8      DataType = 3
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
	DataTypeBool      DataType = 9
	DataTypeFloat16   DataType = 10
	DataTypeDouble    DataType = 11
)

// ElemType maps the ONNX data type onto the pipeline's element types.
func (d DataType) ElemType() conversion.ElemType {
	switch d {
	case DataTypeFloat:
		return conversion.ElemFloat32
	case DataTypeFloat16:
		return conversion.ElemFloat16
	case DataTypeDouble:
		return conversion.ElemFloat64
	case DataTypeInt32:
		return conversion.ElemInt32
	case DataTypeInt64:
		return conversion.ElemInt64
	case DataTypeUint8:
		return conversion.ElemUint8
	default:
		return conversion.ElemUnknown
	}
}

// IsFloat reports whether the type carries floating point weights.
func (d DataType) IsFloat() bool {
	return d == DataTypeFloat || d == DataTypeFloat16 || d == DataTypeDouble
}

// OpsetImport is an operator set the graph was exported against.
type OpsetImport struct {
	Domain  string
	Version int64
}

// AttributeType is an ONNX AttributeProto.AttributeType value.
type AttributeType int32

// AttributeType constants.
const (
	AttributeFloat   AttributeType = 1
	AttributeInt     AttributeType = 2
	AttributeString  AttributeType = 3
	AttributeTensor  AttributeType = 4
	AttributeFloats  AttributeType = 6
	AttributeInts    AttributeType = 7
	AttributeStrings AttributeType = 8
)

// Attribute is a node attribute. Only scalar and list forms are decoded;
// tensor attributes keep their initializer form.
type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       string
	Floats  []float32
	Ints    []int64
	Strings []string
	T       *Initializer
}

// Node is a single operator in the graph.
type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (Attribute, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Initializer is a constant tensor baked into the graph, usually a weight.
type Initializer struct {
	Name     string
	DataType DataType
	Dims     []int64
	// Floats holds the values of floating point initializers, widened or
	// narrowed to float32.
	Floats []float32
	// Ints holds the values of integer initializers.
	Ints []int64
}

// Elements returns the element count implied by the dims.
func (t *Initializer) Elements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// ValueInfo is a declared graph input or output.
type ValueInfo struct {
	Name     string
	ElemType DataType
	// Shape holds the static dims; symbolic dims are reported as -1.
	Shape []int64
	// Params holds the symbolic dim names, parallel to Shape.
	Params []string
}

// Spec converts the declaration to a TensorSpec.
func (v ValueInfo) Spec() conversion.TensorSpec {
	return conversion.TensorSpec{
		Name:     v.Name,
		Shape:    append([]int64(nil), v.Shape...),
		ElemType: v.ElemType.ElemType(),
	}
}

// ModelGraph is a parsed ONNX model. It is immutable once loaded and shared
// by reference between conversion engines.
type ModelGraph struct {
	// Path is the file the graph was loaded from.
	Path string
	// Size is the serialized size in bytes.
	Size int64

	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	Opsets          []OpsetImport

	Name         string
	Nodes        []Node
	Initializers []Initializer
	Inputs       []ValueInfo
	Outputs      []ValueInfo

	initializers map[string]*Initializer
}

// Opset returns the default-domain opset version, or 0.
func (g *ModelGraph) Opset() int64 {
	for _, o := range g.Opsets {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

// Initializer returns the named initializer.
func (g *ModelGraph) Initializer(name string) (*Initializer, bool) {
	t, ok := g.initializers[name]
	return t, ok
}

// IsInitializer reports whether name refers to a constant tensor.
func (g *ModelGraph) IsInitializer(name string) bool {
	_, ok := g.initializers[name]
	return ok
}

// RuntimeInputs returns the declared inputs that are not initializers. Older
// exporters list every weight as a graph input as well.
func (g *ModelGraph) RuntimeInputs() []ValueInfo {
	var out []ValueInfo
	for _, in := range g.Inputs {
		if !g.IsInitializer(in.Name) {
			out = append(out, in)
		}
	}
	return out
}

// WeightCount returns the number of floating point weight elements.
func (g *ModelGraph) WeightCount() int64 {
	var n int64
	for i := range g.Initializers {
		if g.Initializers[i].DataType.IsFloat() {
			n += int64(len(g.Initializers[i].Floats))
		}
	}
	return n
}

// OpHistogram returns how often each operator type occurs.
func (g *ModelGraph) OpHistogram() map[string]int {
	h := make(map[string]int)
	for _, n := range g.Nodes {
		h[n.OpType]++
	}
	return h
}

// OpTypes returns the distinct operator types in sorted order.
func (g *ModelGraph) OpTypes() []string {
	h := g.OpHistogram()
	out := make([]string, 0, len(h))
	for op := range h {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func (g *ModelGraph) index() {
	g.initializers = make(map[string]*Initializer, len(g.Initializers))
	for i := range g.Initializers {
		g.initializers[g.Initializers[i].Name] = &g.Initializers[i]
	}
}
