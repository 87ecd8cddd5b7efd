package coreml

import (
	"github.com/nvr-ai/segconvert/wire"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// LayerBatchedMatMul is the rank-N matrix multiply layer.
const LayerBatchedMatMul protowire.Number = 1110

// weightFields lists the WeightParams fields of each layer type's parameter
// message.
var weightFields = map[protowire.Number][]protowire.Number{
	LayerConvolution:   {90, 91},
	LayerInnerProduct:  {20, 21},
	LayerEmbedding:     {20, 21},
	LayerBatchnorm:     {15, 16, 17, 18},
	LayerScale:         {2, 5},
	LayerBias:          {2},
	LayerLoadConstant:  {10},
	LayerCustom:        {20},
	LayerBatchedMatMul: {8, 9},
}

// WeightFunc transforms one encoded WeightParams message.
type WeightFunc func(params []byte) ([]byte, error)

type fieldFunc func(payload []byte) ([]byte, error)

// rewriteFields re-encodes a message, passing the payload of every listed
// length-delimited field through its handler. All other fields are copied
// verbatim.
func rewriteFields(b []byte, handlers map[protowire.Number]fieldFunc) ([]byte, error) {
	e := wire.NewEncoder()
	err := wire.Range(b, func(f wire.Field) error {
		h, ok := handlers[f.Num]
		if !ok || f.Type != protowire.BytesType {
			e.Raw(f.Raw)
			return nil
		}
		out, err := h(f.Bytes)
		if err != nil {
			return errors.Wrapf(err, "field %d", f.Num)
		}
		e.Blob(f.Num, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// MapWeights applies fn to every WeightParams message of every layer in a
// NeuralNetwork, classifier or regressor model. Unknown fields, layers
// without weights and the model description are preserved byte for byte.
//
// Arguments:
//   - model: The serialized .mlmodel.
//   - fn: The transformation applied to each encoded WeightParams.
//
// Returns:
//   - []byte: The rewritten model.
//   - error: A parse error, or the first error returned by fn.
func MapWeights(model []byte, fn WeightFunc) ([]byte, error) {
	layerHandlers := make(map[protowire.Number]fieldFunc, len(weightFields))
	for kind, fields := range weightFields {
		params := make(map[protowire.Number]fieldFunc, len(fields))
		for _, wf := range fields {
			params[wf] = fieldFunc(fn)
		}
		layerHandlers[kind] = func(p []byte) ([]byte, error) {
			return rewriteFields(p, params)
		}
	}

	layer := func(b []byte) ([]byte, error) {
		return rewriteFields(b, layerHandlers)
	}
	network := func(b []byte) ([]byte, error) {
		return rewriteFields(b, map[protowire.Number]fieldFunc{fieldNNLayers: layer})
	}

	return rewriteFields(model, map[protowire.Number]fieldFunc{
		fieldNeuralNetwork: network,
		fieldNNClassifier:  network,
		fieldNNRegressor:   network,
	})
}

// HasNeuralNetwork reports whether the model is a NeuralNetwork variant, the
// only kind whose weights live inside the .mlmodel itself.
func HasNeuralNetwork(model []byte) (bool, error) {
	found := false
	err := wire.Range(model, func(f wire.Field) error {
		switch f.Num {
		case fieldNeuralNetwork, fieldNNClassifier, fieldNNRegressor:
			found = true
		}
		return nil
	})
	return found, err
}

// RaiseSpecVersion returns the model with its specification version raised to
// at least min. Models already at or above min are returned unchanged.
//
// Arguments:
//   - model: The serialized .mlmodel.
//   - min: The minimum specification version.
//
// Returns:
//   - []byte: The model.
//   - error: A parse error.
func RaiseSpecVersion(model []byte, min int32) ([]byte, error) {
	e := wire.NewEncoder()
	seen := false
	err := wire.Range(model, func(f wire.Field) error {
		if f.Num == fieldSpecVersion && f.Type == protowire.VarintType {
			seen = true
			v := int32(f.Varint)
			if v < min {
				v = min
			}
			e.Int64(fieldSpecVersion, int64(v))
			return nil
		}
		e.Raw(f.Raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return append(wire.NewEncoder().Int64(fieldSpecVersion, int64(min)).Bytes(), e.Bytes()...), nil
	}
	return e.Bytes(), nil
}

// WeightStats counts the weight elements held by a WeightParams message.
type WeightStats struct {
	Float32 int64
	Float16 int64
	Raw     int64
}

// Total returns the number of float weight elements.
func (s WeightStats) Total() int64 {
	return s.Float32 + s.Float16
}

// CountWeights walks every WeightParams message of the model.
//
// Arguments:
//   - model: The serialized .mlmodel.
//
// Returns:
//   - WeightStats: Element counts by storage form.
//   - error: A parse error.
func CountWeights(model []byte) (WeightStats, error) {
	var s WeightStats
	_, err := MapWeights(model, func(wp []byte) ([]byte, error) {
		return wp, wire.Range(wp, func(f wire.Field) error {
			if f.Type != protowire.BytesType {
				return nil
			}
			switch f.Num {
			case WeightFloatField:
				s.Float32 += int64(len(f.Bytes) / 4)
			case WeightFloat16Field:
				s.Float16 += int64(len(f.Bytes) / 2)
			case WeightRawField:
				s.Raw += int64(len(f.Bytes))
			}
			return nil
		})
	})
	return s, err
}
