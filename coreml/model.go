package coreml

import (
	"sort"

	"github.com/nvr-ai/segconvert/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// exactArrayMapping tells the runtime to take multi-array shapes as declared
// rather than padding them to rank 5.
const exactArrayMapping = 1

// Feature is a declared multi-array model input or output.
type Feature struct {
	Name        string
	Description string
	Shape       []int64
	DataType    ArrayDataType
}

// Layer is a single NeuralNetwork layer. Params holds the encoded parameter
// message for the layer type named by Kind.
type Layer struct {
	Name    string
	Inputs  []string
	Outputs []string
	Kind    protowire.Number
	Params  []byte
}

// Metadata is the human readable model metadata.
type Metadata struct {
	ShortDescription string
	Version          string
	Author           string
	License          string
	UserDefined      map[string]string
}

// Model is a NeuralNetwork CoreML model under construction.
type Model struct {
	SpecVersion int32
	Inputs      []Feature
	Outputs     []Feature
	Layers      []Layer
	Metadata    Metadata
}

// Encode serializes the model as an .mlmodel protobuf. Map entries are
// written in key order so equal models encode to equal bytes.
//
// Returns:
//   - []byte: The serialized model.
func (m *Model) Encode() []byte {
	e := wire.NewEncoder().Int64(fieldSpecVersion, int64(m.SpecVersion))
	e.Message(fieldDescription, func(d *wire.Encoder) {
		for _, f := range m.Inputs {
			d.Message(fieldDescInput, f.encode)
		}
		for _, f := range m.Outputs {
			d.Message(fieldDescOutput, f.encode)
		}
		d.Message(fieldDescMetadata, m.Metadata.encode)
	})
	e.Message(fieldNeuralNetwork, func(nn *wire.Encoder) {
		for _, l := range m.Layers {
			nn.Message(fieldNNLayers, l.encode)
		}
		nn.Varint(fieldNNArrayMapping, exactArrayMapping)
	})
	return e.Bytes()
}

func (f Feature) encode(e *wire.Encoder) {
	e.String(fieldFeatureName, f.Name)
	if f.Description != "" {
		e.String(2, f.Description)
	}
	e.Message(fieldFeatureType, func(t *wire.Encoder) {
		t.Message(fieldMultiArray, func(a *wire.Encoder) {
			a.PackedInt64s(fieldArrayShape, f.Shape)
			a.Varint(fieldArrayDataType, uint64(f.DataType))
		})
	})
}

func (l Layer) encode(e *wire.Encoder) {
	e.String(fieldLayerName, l.Name)
	for _, in := range l.Inputs {
		e.String(fieldLayerInput, in)
	}
	for _, out := range l.Outputs {
		e.String(fieldLayerOutput, out)
	}
	e.Blob(l.Kind, l.Params)
}

func (m Metadata) encode(e *wire.Encoder) {
	if m.ShortDescription != "" {
		e.String(1, m.ShortDescription)
	}
	if m.Version != "" {
		e.String(2, m.Version)
	}
	if m.Author != "" {
		e.String(3, m.Author)
	}
	if m.License != "" {
		e.String(4, m.License)
	}
	keys := make([]string, 0, len(m.UserDefined))
	for k := range m.UserDefined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m.UserDefined[k]
		e.Message(100, func(entry *wire.Encoder) {
			entry.String(1, k).String(2, v)
		})
	}
}

// weightParams encodes float32 weights as a WeightParams message.
func weightParams(values []float32) func(e *wire.Encoder) {
	return func(e *wire.Encoder) {
		e.PackedFloat32s(WeightFloatField, values)
	}
}
