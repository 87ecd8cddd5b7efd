package tflite

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// bufferAlignment keeps constant data aligned for zero-copy loads.
const bufferAlignment = 16

// Tensor is a subgraph tensor. Buffer 0 means the tensor has no constant
// data.
type Tensor struct {
	Name   string
	Shape  []int32
	Type   TensorType
	Buffer uint32
}

// Options is a builtin options table.
type Options interface {
	optionsType() byte
	build(b *flatbuffers.Builder) flatbuffers.UOffsetT
}

// Operator is a single operator invocation. Input -1 marks an omitted
// optional input.
type Operator struct {
	Opcode  uint32
	Inputs  []int32
	Outputs []int32
	Options Options
}

// OperatorCode identifies an operator kind used by the model.
type OperatorCode struct {
	Builtin BuiltinOperator
	Custom  string
	Version int32
}

// Model is a single-subgraph TFLite model under construction.
type Model struct {
	Description string
	Codes       []OperatorCode
	// Buffers holds constant data; index 0 is the empty sentinel buffer.
	Buffers   [][]byte
	Tensors   []Tensor
	Inputs    []int32
	Outputs   []int32
	Operators []Operator
	Name      string
}

// NewModel creates an empty model with the sentinel buffer in place.
func NewModel(description string) *Model {
	return &Model{Description: description, Buffers: [][]byte{nil}, Name: "main"}
}

// AddBuffer appends constant data and returns its index.
func (m *Model) AddBuffer(data []byte) uint32 {
	m.Buffers = append(m.Buffers, data)
	return uint32(len(m.Buffers) - 1)
}

// AddTensor appends a tensor and returns its index.
func (m *Model) AddTensor(t Tensor) int32 {
	m.Tensors = append(m.Tensors, t)
	return int32(len(m.Tensors) - 1)
}

// Opcode returns the index of the operator code, registering it on first
// use.
func (m *Model) Opcode(op BuiltinOperator) uint32 {
	for i, c := range m.Codes {
		if c.Builtin == op && c.Custom == "" {
			return uint32(i)
		}
	}
	m.Codes = append(m.Codes, OperatorCode{Builtin: op, Version: 1})
	return uint32(len(m.Codes) - 1)
}

// Finish serializes the model with the TFL3 file identifier.
//
// Returns:
//   - []byte: The flat-buffer.
func (m *Model) Finish() []byte {
	b := flatbuffers.NewBuilder(1024)

	buffers := make([]flatbuffers.UOffsetT, len(m.Buffers))
	for i := len(m.Buffers) - 1; i >= 0; i-- {
		var data flatbuffers.UOffsetT
		if len(m.Buffers[i]) > 0 {
			b.Prep(bufferAlignment, len(m.Buffers[i]))
			data = b.CreateByteVector(m.Buffers[i])
		}
		b.StartObject(1)
		if data != 0 {
			b.PrependUOffsetTSlot(0, data, 0)
		}
		buffers[i] = b.EndObject()
	}

	subgraph := m.buildSubgraph(b)

	codes := make([]flatbuffers.UOffsetT, len(m.Codes))
	for i, c := range m.Codes {
		var custom flatbuffers.UOffsetT
		if c.Custom != "" {
			custom = b.CreateString(c.Custom)
		}
		deprecated := int8(127)
		if c.Builtin < 127 {
			deprecated = int8(c.Builtin)
		}
		b.StartObject(4)
		b.PrependInt32Slot(3, int32(c.Builtin), 0)
		b.PrependInt32Slot(2, c.Version, 1)
		if custom != 0 {
			b.PrependUOffsetTSlot(1, custom, 0)
		}
		b.PrependInt8Slot(0, deprecated, 0)
		codes[i] = b.EndObject()
	}

	description := b.CreateString(m.Description)
	codesVec := offsetVector(b, codes)
	subgraphsVec := offsetVector(b, []flatbuffers.UOffsetT{subgraph})
	buffersVec := offsetVector(b, buffers)

	b.StartObject(5)
	b.PrependUOffsetTSlot(4, buffersVec, 0)
	b.PrependUOffsetTSlot(3, description, 0)
	b.PrependUOffsetTSlot(2, subgraphsVec, 0)
	b.PrependUOffsetTSlot(1, codesVec, 0)
	b.PrependUint32Slot(0, SchemaVersion, 0)
	root := b.EndObject()

	b.FinishWithFileIdentifier(root, []byte(FileIdentifier))
	return b.FinishedBytes()
}

func (m *Model) buildSubgraph(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	tensors := make([]flatbuffers.UOffsetT, len(m.Tensors))
	for i, t := range m.Tensors {
		name := b.CreateString(t.Name)
		shape := int32Vector(b, t.Shape)
		b.StartObject(4)
		b.PrependUOffsetTSlot(3, name, 0)
		b.PrependUint32Slot(2, t.Buffer, 0)
		b.PrependInt8Slot(1, int8(t.Type), 0)
		b.PrependUOffsetTSlot(0, shape, 0)
		tensors[i] = b.EndObject()
	}

	operators := make([]flatbuffers.UOffsetT, len(m.Operators))
	for i, op := range m.Operators {
		var (
			options     flatbuffers.UOffsetT
			optionsType = optionsNone
		)
		if op.Options != nil {
			options = op.Options.build(b)
			optionsType = op.Options.optionsType()
		}
		inputs := int32Vector(b, op.Inputs)
		outputs := int32Vector(b, op.Outputs)
		b.StartObject(5)
		if options != 0 {
			b.PrependUOffsetTSlot(4, options, 0)
		}
		b.PrependUOffsetTSlot(2, outputs, 0)
		b.PrependUOffsetTSlot(1, inputs, 0)
		b.PrependUint32Slot(0, op.Opcode, 0)
		b.PrependByteSlot(3, optionsType, 0)
		operators[i] = b.EndObject()
	}

	name := b.CreateString(m.Name)
	tensorsVec := offsetVector(b, tensors)
	inputsVec := int32Vector(b, m.Inputs)
	outputsVec := int32Vector(b, m.Outputs)
	operatorsVec := offsetVector(b, operators)

	b.StartObject(5)
	b.PrependUOffsetTSlot(4, name, 0)
	b.PrependUOffsetTSlot(3, operatorsVec, 0)
	b.PrependUOffsetTSlot(2, outputsVec, 0)
	b.PrependUOffsetTSlot(1, inputsVec, 0)
	b.PrependUOffsetTSlot(0, tensorsVec, 0)
	return b.EndObject()
}

func int32Vector(b *flatbuffers.Builder, v []int32) flatbuffers.UOffsetT {
	b.StartVector(4, len(v), 4)
	for i := len(v) - 1; i >= 0; i-- {
		b.PrependInt32(v[i])
	}
	return b.EndVector(len(v))
}

func offsetVector(b *flatbuffers.Builder, v []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(4, len(v), 4)
	for i := len(v) - 1; i >= 0; i-- {
		b.PrependUOffsetT(v[i])
	}
	return b.EndVector(len(v))
}

func atLeastOne(v int32) int32 {
	if v < 1 {
		return 1
	}
	return v
}

// Conv2DOptions configures CONV_2D.
type Conv2DOptions struct {
	Padding   Padding
	StrideW   int32
	StrideH   int32
	DilationW int32
	DilationH int32
}

func (Conv2DOptions) optionsType() byte { return optionsConv2D }

func (o Conv2DOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(6)
	b.PrependInt32Slot(5, atLeastOne(o.DilationH), 1)
	b.PrependInt32Slot(4, atLeastOne(o.DilationW), 1)
	b.PrependInt32Slot(2, o.StrideH, 0)
	b.PrependInt32Slot(1, o.StrideW, 0)
	b.PrependByteSlot(0, byte(o.Padding), 0)
	return b.EndObject()
}

// DepthwiseConv2DOptions configures DEPTHWISE_CONV_2D.
type DepthwiseConv2DOptions struct {
	Padding         Padding
	StrideW         int32
	StrideH         int32
	DepthMultiplier int32
	DilationW       int32
	DilationH       int32
}

func (DepthwiseConv2DOptions) optionsType() byte { return optionsDepthwise }

func (o DepthwiseConv2DOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(7)
	b.PrependInt32Slot(6, atLeastOne(o.DilationH), 1)
	b.PrependInt32Slot(5, atLeastOne(o.DilationW), 1)
	b.PrependInt32Slot(3, o.DepthMultiplier, 0)
	b.PrependInt32Slot(2, o.StrideH, 0)
	b.PrependInt32Slot(1, o.StrideW, 0)
	b.PrependByteSlot(0, byte(o.Padding), 0)
	return b.EndObject()
}

// Pool2DOptions configures MAX_POOL_2D and AVERAGE_POOL_2D.
type Pool2DOptions struct {
	Padding      Padding
	StrideW      int32
	StrideH      int32
	FilterWidth  int32
	FilterHeight int32
}

func (Pool2DOptions) optionsType() byte { return optionsPool2D }

func (o Pool2DOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(6)
	b.PrependInt32Slot(4, o.FilterHeight, 0)
	b.PrependInt32Slot(3, o.FilterWidth, 0)
	b.PrependInt32Slot(2, o.StrideH, 0)
	b.PrependInt32Slot(1, o.StrideW, 0)
	b.PrependByteSlot(0, byte(o.Padding), 0)
	return b.EndObject()
}

// FullyConnectedOptions configures FULLY_CONNECTED.
type FullyConnectedOptions struct {
	KeepNumDims bool
}

func (FullyConnectedOptions) optionsType() byte { return optionsFullyConnected }

func (o FullyConnectedOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(3)
	b.PrependBoolSlot(2, o.KeepNumDims, false)
	return b.EndObject()
}

// SoftmaxOptions configures SOFTMAX.
type SoftmaxOptions struct {
	Beta float32
}

func (SoftmaxOptions) optionsType() byte { return optionsSoftmax }

func (o SoftmaxOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(1)
	b.PrependFloat32Slot(0, o.Beta, 0)
	return b.EndObject()
}

// ConcatenationOptions configures CONCATENATION.
type ConcatenationOptions struct {
	Axis int32
}

func (ConcatenationOptions) optionsType() byte { return optionsConcatenation }

func (o ConcatenationOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependInt32Slot(0, o.Axis, 0)
	return b.EndObject()
}

// ReducerOptions configures MEAN.
type ReducerOptions struct {
	KeepDims bool
}

func (ReducerOptions) optionsType() byte { return optionsReducer }

func (o ReducerOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(1)
	b.PrependBoolSlot(0, o.KeepDims, false)
	return b.EndObject()
}

// ResizeBilinearOptions configures RESIZE_BILINEAR.
type ResizeBilinearOptions struct {
	AlignCorners     bool
	HalfPixelCenters bool
}

func (ResizeBilinearOptions) optionsType() byte { return optionsResizeBilinear }

func (o ResizeBilinearOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(4)
	b.PrependBoolSlot(3, o.HalfPixelCenters, false)
	b.PrependBoolSlot(2, o.AlignCorners, false)
	return b.EndObject()
}
