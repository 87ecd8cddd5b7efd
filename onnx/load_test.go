package onnx

import (
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
}

func TestLoadFixture(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, "model/model.onnx", Fixture(FixtureOptions{Hidden: 4}))

	g, err := Load(fs, "model/model.onnx")
	require.NoError(t, err)

	assert.Equal(t, "model/model.onnx", g.Path)
	assert.Equal(t, int64(8), g.IRVersion)
	assert.Equal(t, "segconvert-fixture", g.ProducerName)
	assert.Equal(t, int64(13), g.Opset())
	assert.Equal(t, []string{"Conv", "Relu", "Reshape"}, g.OpTypes())
	assert.Equal(t, 2, g.OpHistogram()["Conv"])

	require.Len(t, g.RuntimeInputs(), 1)
	in := g.RuntimeInputs()[0]
	assert.Equal(t, "pixel_values", in.Name)
	assert.Equal(t, []int64{1, 3, 512, 512}, in.Shape)
	assert.Equal(t, conversion.ElemFloat32, in.Spec().ElemType)

	require.Len(t, g.Outputs, 1)
	assert.Equal(t, []int64{1, 512, 512}, g.Outputs[0].Shape)

	w, ok := g.Initializer("conv1.weight")
	require.True(t, ok)
	assert.Equal(t, []int64{4, 3, 3, 3}, w.Dims)
	assert.Len(t, w.Floats, 108)

	shape, ok := g.Initializer("reshape.shape")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 512, 512}, shape.Ints)

	// 108 + 4 + 4 + 1 float weights; the int64 shape does not count.
	assert.Equal(t, int64(117), g.WeightCount())

	conv := g.Nodes[0]
	ks, ok := conv.Attr("kernel_shape")
	require.True(t, ok)
	assert.Equal(t, []int64{3, 3}, ks.Ints)
}

func TestLoadMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := Load(fs, "missing/model.onnx")

	require.Error(t, err)
	assert.Equal(t, conversion.KindInputNotFound, conversion.KindOf(err))
	exists, _ := afero.DirExists(fs, "missing")
	assert.False(t, exists)
}

func TestLoadDirectoryIsNotAnInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("model.onnx", 0o755))

	_, err := Load(fs, "model.onnx")

	assert.Equal(t, conversion.KindInputNotFound, conversion.KindOf(err))
}

func TestLoadRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "garbage", data: []byte{0xff, 0xff, 0xff, 0xff}},
		{name: "no graph", data: wire.NewEncoder().Int64(1, 8).String(2, "pytorch").Bytes()},
		{name: "IR too old", data: NewGraphBuilder("g").IRVersion(2).
			Input("x", DataTypeFloat, 1).Output("y", DataTypeFloat, 1).
			Node("Relu", []string{"x"}, []string{"y"}).Bytes()},
		{name: "IR too new", data: NewGraphBuilder("g").IRVersion(42).
			Input("x", DataTypeFloat, 1).Output("y", DataTypeFloat, 1).
			Node("Relu", []string{"x"}, []string{"y"}).Bytes()},
		{name: "no nodes", data: NewGraphBuilder("g").Input("x", DataTypeFloat, 1).Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFixture(t, fs, "model.onnx", tt.data)

			_, err := Load(fs, "model.onnx")

			require.Error(t, err)
			assert.Equal(t, conversion.KindGraphParse, conversion.KindOf(err))
		})
	}
}

func TestDecodeExternalData(t *testing.T) {
	tensor := wire.NewEncoder().
		Int64s(1, []int64{2}).
		Varint(2, uint64(DataTypeFloat)).
		String(8, "w").
		Message(13, func(e *wire.Encoder) { e.String(1, "location").String(2, "weights.bin") }).
		Message(13, func(e *wire.Encoder) { e.String(1, "offset").String(2, "4") }).
		Message(13, func(e *wire.Encoder) { e.String(1, "length").String(2, "8") }).
		Varint(14, 1).
		Bytes()
	node := wire.NewEncoder().String(1, "x").String(1, "w").String(2, "y").String(4, "Mul").Bytes()
	model := wire.NewEncoder().
		Int64(1, 8).
		Message(7, func(g *wire.Encoder) { g.Blob(1, node).Blob(5, tensor) }).
		Bytes()

	// 0.0 padding, then 1.0 and 2.0 little-endian.
	external := []byte{0, 0, 0, 0, 0, 0, 0x80, 0x3f, 0, 0, 0, 0x40}

	fs := afero.NewMemMapFs()
	writeFixture(t, fs, "m/model.onnx", model)
	writeFixture(t, fs, "m/weights.bin", external)

	g, err := Load(fs, "m/model.onnx")
	require.NoError(t, err)

	w, ok := g.Initializer("w")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, w.Floats)
}

func TestFixtureIsDeterministic(t *testing.T) {
	assert.Equal(t, Fixture(FixtureOptions{}), Fixture(FixtureOptions{}))
}

func TestFixtureExtraOps(t *testing.T) {
	g, err := Decode(Fixture(FixtureOptions{Hidden: 2, ExtraOps: []string{"Erf", "Erf"}}), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, g.OpHistogram()["Erf"])
	// Extra ops are chained between the activation and the classifier.
	assert.Equal(t, g.Nodes[3].Outputs[0], g.Nodes[4].Inputs[0])
}

func TestProbeUnavailableWithoutLibrary(t *testing.T) {
	p := NewProbe("/nonexistent/libonnxruntime.so")

	assert.Error(t, p.Available())
	_, err := p.Inspect("model.onnx")
	assert.Error(t, err)
}
