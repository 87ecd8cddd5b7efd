package coreml

import (
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/wire"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var layerNames = map[protowire.Number]string{
	LayerConvolution:   "convolution",
	LayerPooling:       "pooling",
	LayerActivation:    "activation",
	LayerInnerProduct:  "innerProduct",
	LayerEmbedding:     "embedding",
	LayerBatchnorm:     "batchnorm",
	LayerSoftmax:       "softmax",
	LayerUpsample:      "upsample",
	LayerAdd:           "add",
	LayerMultiply:      "multiply",
	LayerScale:         "scale",
	LayerBias:          "bias",
	LayerLoadConstant:  "loadConstant",
	LayerReshape:       "reshape",
	LayerFlatten:       "flatten",
	LayerPermute:       "permute",
	LayerConcat:        "concat",
	LayerCustom:        "custom",
	LayerBatchedMatMul: "batchedMatmul",
}

// Info is what can be read back from a serialized CoreML model.
type Info struct {
	SpecVersion int32
	Signature   conversion.Signature
	// Layers counts layers by type.
	Layers  map[string]int
	Weights WeightStats
	// CustomLayers lists the class names of custom layers, in model order.
	CustomLayers []string
	Metadata     map[string]string
}

// Inspect decodes the description and layer inventory of an .mlmodel.
//
// Arguments:
//   - data: The serialized model.
//
// Returns:
//   - *Info: The decoded model summary.
//   - error: An error if the bytes are not a CoreML model.
func Inspect(data []byte) (*Info, error) {
	info := &Info{Layers: make(map[string]int), Metadata: make(map[string]string)}
	hasDescription := false

	err := wire.Range(data, func(f wire.Field) error {
		switch f.Num {
		case fieldSpecVersion:
			info.SpecVersion = int32(f.Varint)
		case fieldDescription:
			hasDescription = true
			return decodeDescription(f.Bytes, info)
		case fieldNeuralNetwork, fieldNNClassifier, fieldNNRegressor:
			return decodeNetwork(f.Bytes, info)
		case fieldMLProgram:
			info.Layers["mlProgram"]++
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode mlmodel")
	}
	if info.SpecVersion == 0 || !hasDescription {
		return nil, errors.New("not a CoreML model: missing specification version or description")
	}

	if info.Weights, err = CountWeights(data); err != nil {
		return nil, errors.Wrap(err, "count weights")
	}
	return info, nil
}

func decodeDescription(b []byte, info *Info) error {
	return wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case fieldDescInput:
			spec, err := decodeFeature(f.Bytes)
			if err != nil {
				return errors.Wrap(err, "input")
			}
			info.Signature.Inputs = append(info.Signature.Inputs, spec)
		case fieldDescOutput:
			spec, err := decodeFeature(f.Bytes)
			if err != nil {
				return errors.Wrap(err, "output")
			}
			info.Signature.Outputs = append(info.Signature.Outputs, spec)
		case fieldDescMetadata:
			return decodeMetadata(f.Bytes, info.Metadata)
		}
		return nil
	})
}

func decodeFeature(b []byte) (conversion.TensorSpec, error) {
	spec := conversion.TensorSpec{ElemType: conversion.ElemUnknown}
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case fieldFeatureName:
			spec.Name = f.String()
		case fieldFeatureType:
			return wire.Range(f.Bytes, func(t wire.Field) error {
				if t.Num != fieldMultiArray {
					return nil
				}
				return wire.Range(t.Bytes, func(a wire.Field) error {
					switch a.Num {
					case fieldArrayShape:
						dims, err := a.Int64s()
						if err != nil {
							return err
						}
						spec.Shape = append(spec.Shape, dims...)
					case fieldArrayDataType:
						spec.ElemType = ArrayDataType(a.Varint).ElemType()
					}
					return nil
				})
			})
		}
		return nil
	})
	return spec, err
}

func decodeMetadata(b []byte, out map[string]string) error {
	keys := map[protowire.Number]string{1: "shortDescription", 2: "versionString", 3: "author", 4: "license"}
	return wire.Range(b, func(f wire.Field) error {
		if k, ok := keys[f.Num]; ok {
			out[k] = f.String()
			return nil
		}
		if f.Num != 100 {
			return nil
		}
		var k, v string
		err := wire.Range(f.Bytes, func(e wire.Field) error {
			switch e.Num {
			case 1:
				k = e.String()
			case 2:
				v = e.String()
			}
			return nil
		})
		out[k] = v
		return err
	})
}

func decodeNetwork(b []byte, info *Info) error {
	return wire.Range(b, func(f wire.Field) error {
		if f.Num != fieldNNLayers {
			return nil
		}
		return wire.Range(f.Bytes, func(l wire.Field) error {
			if l.Num <= fieldLayerOutput || l.Type != protowire.BytesType {
				return nil
			}
			// Fields 4 and 5 carry tensor rank hints rather than parameters.
			if l.Num == 4 || l.Num == 5 {
				return nil
			}
			name, ok := layerNames[l.Num]
			if !ok {
				name = "other"
			}
			info.Layers[name]++
			if l.Num == LayerCustom {
				return wire.Range(l.Bytes, func(p wire.Field) error {
					if p.Num == 10 {
						info.CustomLayers = append(info.CustomLayers, p.String())
					}
					return nil
				})
			}
			return nil
		})
	})
}
