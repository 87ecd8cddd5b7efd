// Package coreml - CoreML model specification encoding, inspection and the
// ONNX to CoreML conversion engine.
//
// Models are written as NeuralNetwork .mlmodel protobufs. Only the parts of
// the CoreML specification the converter emits are modeled; everything else
// passes through untouched when an existing model is rewritten.
package coreml

import (
	"strconv"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Model message fields.
const (
	fieldSpecVersion    protowire.Number = 1
	fieldDescription    protowire.Number = 2
	fieldNNClassifier   protowire.Number = 403
	fieldNNRegressor    protowire.Number = 404
	fieldNeuralNetwork  protowire.Number = 500
	fieldMLProgram      protowire.Number = 502
	fieldNNLayers       protowire.Number = 1
	fieldNNArrayMapping protowire.Number = 5
)

// ModelDescription and FeatureDescription fields.
const (
	fieldDescInput     protowire.Number = 1
	fieldDescOutput    protowire.Number = 10
	fieldDescMetadata  protowire.Number = 100
	fieldFeatureName   protowire.Number = 1
	fieldFeatureType   protowire.Number = 3
	fieldMultiArray    protowire.Number = 5
	fieldArrayShape    protowire.Number = 1
	fieldArrayDataType protowire.Number = 2
)

// NeuralNetworkLayer fields. The layer parameters are a oneof keyed by the
// field number of the layer type.
const (
	fieldLayerName   protowire.Number = 1
	fieldLayerInput  protowire.Number = 2
	fieldLayerOutput protowire.Number = 3

	LayerConvolution  protowire.Number = 100
	LayerPooling      protowire.Number = 120
	LayerActivation   protowire.Number = 130
	LayerInnerProduct protowire.Number = 140
	LayerEmbedding    protowire.Number = 150
	LayerBatchnorm    protowire.Number = 160
	LayerSoftmax      protowire.Number = 175
	LayerUpsample     protowire.Number = 210
	LayerAdd          protowire.Number = 230
	LayerMultiply     protowire.Number = 231
	LayerScale        protowire.Number = 245
	LayerBias         protowire.Number = 250
	LayerLoadConstant protowire.Number = 290
	LayerReshape      protowire.Number = 300
	LayerFlatten      protowire.Number = 301
	LayerPermute      protowire.Number = 310
	LayerConcat       protowire.Number = 320
	LayerCustom       protowire.Number = 500
)

// WeightParams fields.
const (
	WeightFloatField   protowire.Number = 1
	WeightFloat16Field protowire.Number = 2
	WeightRawField     protowire.Number = 30
)

// ArrayDataType is a CoreML multi-array element type.
type ArrayDataType int32

// ArrayDataType constants.
const (
	ArrayFloat32 ArrayDataType = 65568
	ArrayFloat64 ArrayDataType = 65600
	ArrayInt32   ArrayDataType = 131104
	ArrayFloat16 ArrayDataType = 65552
)

// ElemType maps the CoreML array type to the pipeline's element types.
func (t ArrayDataType) ElemType() conversion.ElemType {
	switch t {
	case ArrayFloat32:
		return conversion.ElemFloat32
	case ArrayFloat64:
		return conversion.ElemFloat64
	case ArrayInt32:
		return conversion.ElemInt32
	case ArrayFloat16:
		return conversion.ElemFloat16
	default:
		return conversion.ElemUnknown
	}
}

// arrayDataType maps an element type to the CoreML array type.
func arrayDataType(e conversion.ElemType) (ArrayDataType, error) {
	switch e {
	case conversion.ElemFloat32:
		return ArrayFloat32, nil
	case conversion.ElemFloat64:
		return ArrayFloat64, nil
	case conversion.ElemInt32, conversion.ElemInt64:
		return ArrayInt32, nil
	case conversion.ElemFloat16:
		return ArrayFloat16, nil
	default:
		return 0, errors.Errorf("no CoreML array type for %s", e)
	}
}

// MinFloat16SpecVersion is the first specification version able to store
// half-precision weights.
const MinFloat16SpecVersion = 2

// specVersions maps minimum iOS deployment targets to CoreML specification
// versions.
var specVersions = []struct {
	ios     string
	version int32
}{
	{"11", 1},
	{"11.2", 2},
	{"12", 3},
	{"13", 4},
	{"14", 5},
	{"15", 6},
	{"16", 7},
	{"17", 8},
}

// SpecVersion resolves a minimum iOS deployment target such as "13" or
// "iOS14" to a CoreML specification version.
//
// Arguments:
//   - deploymentTarget: The iOS version string.
//
// Returns:
//   - int32: The specification version.
//   - error: An error if the target is not a known iOS release.
func SpecVersion(deploymentTarget string) (int32, error) {
	t := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(deploymentTarget)), "ios")
	if _, err := strconv.ParseFloat(t, 64); err != nil {
		return 0, errors.Errorf("invalid deployment target %q", deploymentTarget)
	}
	t = strings.TrimSuffix(t, ".0")
	for _, v := range specVersions {
		if v.ios == t {
			return v.version, nil
		}
	}
	return 0, errors.Errorf("unsupported deployment target %q", deploymentTarget)
}
