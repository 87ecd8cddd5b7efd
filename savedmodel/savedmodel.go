// Package savedmodel - Reading and writing the TensorFlow SavedModel subset
// used as the intermediate form between ONNX and TFLite.
//
// A SavedModel directory holds saved_model.pb and a variables/ directory.
// Converted graphs keep every weight as a Const node, so variables/ stays
// empty.
package savedmodel

import (
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
)

// DType is a TensorFlow DataType value.
type DType int32

// DType constants.
const (
	DTInvalid DType = 0
	DTFloat   DType = 1
	DTDouble  DType = 2
	DTInt32   DType = 3
	DTUint8   DType = 4
	DTInt64   DType = 9
	DTBool    DType = 10
	DTHalf    DType = 19
)

// ElemType maps the TensorFlow type to the pipeline's element types.
func (d DType) ElemType() conversion.ElemType {
	switch d {
	case DTFloat:
		return conversion.ElemFloat32
	case DTHalf:
		return conversion.ElemFloat16
	case DTDouble:
		return conversion.ElemFloat64
	case DTInt32:
		return conversion.ElemInt32
	case DTInt64:
		return conversion.ElemInt64
	case DTUint8:
		return conversion.ElemUint8
	default:
		return conversion.ElemUnknown
	}
}

// DTypeFor maps an element type to a TensorFlow type.
func DTypeFor(e conversion.ElemType) (DType, error) {
	switch e {
	case conversion.ElemFloat32:
		return DTFloat, nil
	case conversion.ElemFloat16:
		return DTHalf, nil
	case conversion.ElemFloat64:
		return DTDouble, nil
	case conversion.ElemInt32:
		return DTInt32, nil
	case conversion.ElemInt64:
		return DTInt64, nil
	case conversion.ElemUint8:
		return DTUint8, nil
	default:
		return DTInvalid, errors.Errorf("no TensorFlow type for %s", e)
	}
}

// Tensor is a constant tensor value. Floating point values live in Floats,
// integer values in Ints.
type Tensor struct {
	DType  DType
	Shape  []int64
	Floats []float32
	Ints   []int64
}

// AttrKind discriminates the value held by an Attr.
type AttrKind int

// AttrKind constants.
const (
	AttrString AttrKind = iota + 1
	AttrInt
	AttrFloat
	AttrBool
	AttrType
	AttrShape
	AttrTensor
	AttrInts
	AttrFloats
)

// Attr is a NodeDef attribute value.
type Attr struct {
	Kind   AttrKind
	S      string
	I      int64
	F      float32
	B      bool
	Type   DType
	Shape  []int64
	Tensor *Tensor
	Ints   []int64
	Floats []float32
}

// StringAttr, IntAttr and the other constructors build typed attributes.
func StringAttr(s string) Attr { return Attr{Kind: AttrString, S: s} }
func IntAttr(i int64) Attr { return Attr{Kind: AttrInt, I: i} }
func FloatAttr(f float32) Attr { return Attr{Kind: AttrFloat, F: f} }
func BoolAttr(b bool) Attr { return Attr{Kind: AttrBool, B: b} }
func TypeAttr(t DType) Attr { return Attr{Kind: AttrType, Type: t} }
func ShapeAttr(s []int64) Attr { return Attr{Kind: AttrShape, Shape: s} }
func TensorAttr(t *Tensor) Attr { return Attr{Kind: AttrTensor, Tensor: t} }
func IntsAttr(v ...int64) Attr { return Attr{Kind: AttrInts, Ints: v} }
func FloatsAttr(v ...float32) Attr { return Attr{Kind: AttrFloats, Floats: v} }

// Node is a NodeDef.
type Node struct {
	Name   string
	Op     string
	Inputs []string
	Attrs  map[string]Attr
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (Attr, bool) {
	a, ok := n.Attrs[name]
	return a, ok
}

// TensorInfo describes a signature input or output.
type TensorInfo struct {
	// Name is the graph tensor, e.g. "pixel_values:0".
	Name  string
	DType DType
	Shape []int64
}

// Spec converts the tensor info to a TensorSpec named after key.
func (t TensorInfo) Spec(key string) conversion.TensorSpec {
	return conversion.TensorSpec{Name: key, Shape: append([]int64(nil), t.Shape...), ElemType: t.DType.ElemType()}
}

// Signature is a SignatureDef.
type Signature struct {
	MethodName string
	Inputs     map[string]TensorInfo
	Outputs    map[string]TensorInfo
}

// Common SavedModel names.
const (
	ServeTag                = "serve"
	DefaultServingSignature = "serving_default"
	PredictMethod           = "tensorflow/serving/predict"
	ModelFile               = "saved_model.pb"
	VariablesDir            = "variables"
	SchemaVersion           = 1
)

// SavedModel is a single meta graph SavedModel.
type SavedModel struct {
	Tags       []string
	Producer   int64
	Nodes      []Node
	Signatures map[string]Signature
}

// Node returns the named node.
func (m *SavedModel) Node(name string) (*Node, bool) {
	for i := range m.Nodes {
		if m.Nodes[i].Name == name {
			return &m.Nodes[i], true
		}
	}
	return nil, false
}

// ServingSignature returns the default serving signature.
func (m *SavedModel) ServingSignature() (Signature, bool) {
	s, ok := m.Signatures[DefaultServingSignature]
	return s, ok
}

// WeightCount returns the number of floating point elements held by Const
// nodes.
func (m *SavedModel) WeightCount() int64 {
	var n int64
	for i := range m.Nodes {
		if m.Nodes[i].Op != "Const" {
			continue
		}
		if v, ok := m.Nodes[i].Attrs["value"]; ok && v.Tensor != nil {
			n += int64(len(v.Tensor.Floats))
		}
	}
	return n
}
