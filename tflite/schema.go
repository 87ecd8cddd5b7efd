// Package tflite - TensorFlow Lite flat-buffer encoding and the two-stage
// ONNX to SavedModel to TFLite conversion engine.
package tflite

import (
	"fmt"

	"github.com/nvr-ai/segconvert/conversion"
)

// FileIdentifier marks a TFLite flat-buffer.
const FileIdentifier = "TFL3"

// SchemaVersion is the TFLite schema version written into models.
const SchemaVersion = 3

// TensorType is a TFLite tensor element type.
type TensorType int8

// TensorType constants.
const (
	TensorFloat32 TensorType = 0
	TensorFloat16 TensorType = 1
	TensorInt32   TensorType = 2
	TensorUint8   TensorType = 3
	TensorInt64   TensorType = 4
	TensorBool    TensorType = 6
	TensorInt8    TensorType = 9
	TensorFloat64 TensorType = 10
)

// ElemType maps the tensor type to the pipeline's element types.
func (t TensorType) ElemType() conversion.ElemType {
	switch t {
	case TensorFloat32:
		return conversion.ElemFloat32
	case TensorFloat16:
		return conversion.ElemFloat16
	case TensorInt32:
		return conversion.ElemInt32
	case TensorInt64:
		return conversion.ElemInt64
	case TensorUint8:
		return conversion.ElemUint8
	case TensorFloat64:
		return conversion.ElemFloat64
	default:
		return conversion.ElemUnknown
	}
}

// BuiltinOperator is a TFLite builtin operator code.
type BuiltinOperator int32

// BuiltinOperator constants for the operators the compiler emits.
const (
	OpAdd                   BuiltinOperator = 0
	OpAveragePool2D         BuiltinOperator = 1
	OpConcatenation         BuiltinOperator = 2
	OpConv2D                BuiltinOperator = 3
	OpDepthwiseConv2D       BuiltinOperator = 4
	OpDequantize            BuiltinOperator = 6
	OpFullyConnected        BuiltinOperator = 9
	OpLogistic              BuiltinOperator = 14
	OpMaxPool2D             BuiltinOperator = 17
	OpMul                   BuiltinOperator = 18
	OpRelu                  BuiltinOperator = 19
	OpReshape               BuiltinOperator = 22
	OpResizeBilinear        BuiltinOperator = 23
	OpSoftmax               BuiltinOperator = 25
	OpTanh                  BuiltinOperator = 28
	OpCustom                BuiltinOperator = 32
	OpPad                   BuiltinOperator = 34
	OpTranspose             BuiltinOperator = 39
	OpMean                  BuiltinOperator = 40
	OpSub                   BuiltinOperator = 41
	OpDiv                   BuiltinOperator = 42
	OpExp                   BuiltinOperator = 47
	OpSqrt                  BuiltinOperator = 75
	OpPow                   BuiltinOperator = 78
	OpResizeNearestNeighbor BuiltinOperator = 97
	OpBatchMatMul           BuiltinOperator = 126
)

var builtinNames = map[BuiltinOperator]string{
	OpAdd:                   "ADD",
	OpAveragePool2D:         "AVERAGE_POOL_2D",
	OpConcatenation:         "CONCATENATION",
	OpConv2D:                "CONV_2D",
	OpDepthwiseConv2D:       "DEPTHWISE_CONV_2D",
	OpDequantize:            "DEQUANTIZE",
	OpFullyConnected:        "FULLY_CONNECTED",
	OpLogistic:              "LOGISTIC",
	OpMaxPool2D:             "MAX_POOL_2D",
	OpMul:                   "MUL",
	OpRelu:                  "RELU",
	OpReshape:               "RESHAPE",
	OpResizeBilinear:        "RESIZE_BILINEAR",
	OpSoftmax:               "SOFTMAX",
	OpTanh:                  "TANH",
	OpCustom:                "CUSTOM",
	OpPad:                   "PAD",
	OpTranspose:             "TRANSPOSE",
	OpMean:                  "MEAN",
	OpSub:                   "SUB",
	OpDiv:                   "DIV",
	OpExp:                   "EXP",
	OpSqrt:                  "SQRT",
	OpPow:                   "POW",
	OpResizeNearestNeighbor: "RESIZE_NEAREST_NEIGHBOR",
	OpBatchMatMul:           "BATCH_MATMUL",
}

func (o BuiltinOperator) String() string {
	if n, ok := builtinNames[o]; ok {
		return n
	}
	return fmt.Sprintf("BUILTIN_%d", int32(o))
}

// BuiltinOptions union types.
const (
	optionsNone           byte = 0
	optionsConv2D         byte = 1
	optionsDepthwise      byte = 2
	optionsPool2D         byte = 5
	optionsFullyConnected byte = 8
	optionsSoftmax        byte = 9
	optionsConcatenation  byte = 10
	optionsResizeBilinear byte = 15
	optionsReducer        byte = 27
)

// Padding is the TFLite padding scheme.
type Padding byte

// Padding constants.
const (
	PaddingSame  Padding = 0
	PaddingValid Padding = 1
)

// MinQuantizeElements is the smallest float constant stored as float16 in
// FP16 models. Smaller tensors, biases mostly, stay float32 since the extra
// DEQUANTIZE op would outweigh the saving.
const MinQuantizeElements = 64
