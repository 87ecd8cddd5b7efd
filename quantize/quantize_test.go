package quantize

import (
	"context"
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/nvr-ai/segconvert/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureGraph(t *testing.T) *onnx.ModelGraph {
	t.Helper()
	g, err := onnx.Decode(onnx.Fixture(onnx.FixtureOptions{}), nil)
	require.NoError(t, err)
	return g
}

func coreMLArtifact(t *testing.T) *conversion.Artifact {
	t.Helper()
	a, err := coreml.NewNativeEngine(coreml.NativeOptions{}).Convert(context.Background(), fixtureGraph(t), "13")
	require.NoError(t, err)
	return a
}

func TestCompressionRatio(t *testing.T) {
	tests := []struct {
		name                string
		original, quantized int64
		want                float64
	}{
		{name: "half", original: 100, quantized: 50, want: 0.5},
		{name: "unchanged", original: 100, quantized: 100, want: 0},
		{name: "empty", original: 0, quantized: 0, want: 0},
		{name: "all", original: 100, quantized: 0, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CompressionRatio(tt.original, tt.quantized), 1e-9)
		})
	}
}

func TestQuantizeCoreML(t *testing.T) {
	src := coreMLArtifact(t)
	q := New(afero.NewMemMapFs(), CoreMLPolicy{})

	out, stats, err := q.Quantize(context.Background(), src, 16)
	require.NoError(t, err)

	assert.Equal(t, conversion.TargetCoreMLFP16, out.Target)
	assert.Less(t, out.Size, src.Size)
	assert.Equal(t, src.WeightCount, out.WeightCount)
	assert.Equal(t, src.WeightCount, stats.Converted)
	assert.Zero(t, stats.Clamped)
	ratio := CompressionRatio(src.Size, out.Size)
	assert.Greater(t, ratio, 0.0)
	assert.LessOrEqual(t, ratio, 1.0)

	before, err := coreml.Inspect(src.Data)
	require.NoError(t, err)
	after, err := coreml.Inspect(out.Data)
	require.NoError(t, err)
	assert.Equal(t, before.Signature, after.Signature)
	assert.Equal(t, before.Layers, after.Layers)
	assert.Equal(t, before.Metadata, after.Metadata)
	assert.Zero(t, after.Weights.Float32)
	assert.Equal(t, before.Weights.Float32, after.Weights.Float16)
}

func TestQuantizeDoesNotModifySource(t *testing.T) {
	src := coreMLArtifact(t)
	data := append([]byte(nil), src.Data...)

	_, _, err := New(afero.NewMemMapFs(), CoreMLPolicy{}).Quantize(context.Background(), src, 16)
	require.NoError(t, err)

	assert.Equal(t, data, src.Data)
	assert.Equal(t, conversion.TargetCoreMLFP32, src.Target)
}

// biasParams encodes BiasLayerParams{shape, bias}.
func biasParams(values []float32) []byte {
	wp := wire.NewEncoder().PackedFloat32s(coreml.WeightFloatField, values).Bytes()
	return wire.NewEncoder().
		PackedInt64s(1, []int64{int64(len(values))}).
		Blob(2, wp).
		Bytes()
}

func TestQuantizeClampsOverflow(t *testing.T) {
	m := &coreml.Model{
		SpecVersion: 4,
		Inputs:      []coreml.Feature{{Name: "x", Shape: []int64{1, 2}, DataType: coreml.ArrayFloat32}},
		Outputs:     []coreml.Feature{{Name: "y", Shape: []int64{1, 2}, DataType: coreml.ArrayFloat32}},
		Layers: []coreml.Layer{{
			Name:    "bias",
			Inputs:  []string{"x"},
			Outputs: []string{"y"},
			Kind:    coreml.LayerBias,
			Params:  biasParams([]float32{1e6, -0.25}),
		}},
	}
	src := conversion.NewArtifact(conversion.TargetCoreMLFP32, m.Encode(), 2)

	out, stats, err := New(afero.NewMemMapFs(), CoreMLPolicy{}).Quantize(context.Background(), src, 16)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Converted)
	assert.Equal(t, int64(1), stats.Clamped)
	info, err := coreml.Inspect(out.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Weights.Float16)
}

func TestQuantizeReloadsFromPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := coreMLArtifact(t)
	require.NoError(t, afero.WriteFile(fs, "/out/model.mlmodel", src.Data, 0o644))
	persisted := src.WithPath("/out/model.mlmodel")
	persisted.Data = nil

	out, _, err := New(fs, CoreMLPolicy{}).Quantize(context.Background(), persisted, 16)
	require.NoError(t, err)
	assert.Less(t, out.Size, src.Size)
}

func TestQuantizeErrors(t *testing.T) {
	src := coreMLArtifact(t)
	q := New(afero.NewMemMapFs(), CoreMLPolicy{})

	tests := []struct {
		name     string
		artifact *conversion.Artifact
		bits     int
	}{
		{name: "bit width 8", artifact: src, bits: 8},
		{name: "bit width 32", artifact: src, bits: 32},
		{name: "nil artifact", artifact: nil, bits: 16},
		{name: "already FP16", artifact: conversion.NewArtifact(conversion.TargetCoreMLFP16, src.Data, 1), bits: 16},
		{name: "no policy", artifact: conversion.NewArtifact(conversion.TargetTFLiteFP32, []byte("x"), 1), bits: 16},
		{name: "missing file", artifact: &conversion.Artifact{Target: conversion.TargetCoreMLFP32, Path: "/gone.mlmodel"}, bits: 16},
		{name: "not a model", artifact: conversion.NewArtifact(conversion.TargetCoreMLFP32, []byte{0xff, 0xff}, 1), bits: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := q.Quantize(context.Background(), tt.artifact, tt.bits)
			assert.Equal(t, conversion.KindQuantization, conversion.KindOf(err))
		})
	}
}

func TestQuantizeTFLite(t *testing.T) {
	fs := afero.NewMemMapFs()
	engine := tflite.NewNativeEngine(fs)
	in, err := engine.ToIntermediate(context.Background(), fixtureGraph(t), "/out/TFLite/segformer_tf")
	require.NoError(t, err)
	src, err := engine.ToBytecode(context.Background(), in, conversion.PrecisionFP32)
	require.NoError(t, err)

	out, stats, err := New(fs, NewTFLitePolicy(engine)).Quantize(context.Background(), src, 16)
	require.NoError(t, err)

	assert.Equal(t, conversion.TargetTFLiteFP16, out.Target)
	assert.Less(t, out.Size, src.Size)
	assert.Equal(t, int64(864), stats.Converted)
	assert.Equal(t, src.Intermediate, out.Intermediate)
}

func TestQuantizeTFLiteWithoutIntermediate(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := conversion.NewArtifact(conversion.TargetTFLiteFP32, []byte("TFL3"), 10)

	_, _, err := New(fs, NewTFLitePolicy(tflite.NewNativeEngine(fs))).Quantize(context.Background(), src, 16)

	assert.Equal(t, conversion.KindQuantization, conversion.KindOf(err))
}

func TestQuantizeTFLiteCountsClamped(t *testing.T) {
	w := make([]float32, 4*3*3*3)
	w[0], w[1] = 1e6, -1e6
	data := onnx.NewGraphBuilder("overflow").
		Input("pixel_values", onnx.DataTypeFloat, 1, 3, 16, 16).
		Output("logits", onnx.DataTypeFloat, 1, 16, 16).
		Weights("conv1.weight", []int64{4, 3, 3, 3}, w).
		Weights("conv1.bias", []int64{4}, []float32{0, 0, 0, 0}).
		Weights("conv2.weight", []int64{1, 4, 1, 1}, []float32{1, 1, 1, 1}).
		Weights("conv2.bias", []int64{1}, []float32{0}).
		Ints("reshape.shape", []int64{3}, []int64{1, 16, 16}).
		Node("Conv", []string{"pixel_values", "conv1.weight", "conv1.bias"}, []string{"hidden"},
			onnx.IntsAttr("kernel_shape", 3, 3), onnx.IntsAttr("pads", 1, 1, 1, 1), onnx.IntsAttr("strides", 1, 1)).
		Node("Conv", []string{"hidden", "conv2.weight", "conv2.bias"}, []string{"classes"},
			onnx.IntsAttr("kernel_shape", 1, 1), onnx.IntsAttr("strides", 1, 1)).
		Node("Reshape", []string{"classes", "reshape.shape"}, []string{"logits"}).
		Bytes()
	g, err := onnx.Decode(data, nil)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	engine := tflite.NewNativeEngine(fs)
	in, err := engine.ToIntermediate(context.Background(), g, "/out/TFLite/segformer_tf")
	require.NoError(t, err)
	src, err := engine.ToBytecode(context.Background(), in, conversion.PrecisionFP32)
	require.NoError(t, err)

	_, stats, err := New(fs, NewTFLitePolicy(engine)).Quantize(context.Background(), src, 16)
	require.NoError(t, err)

	assert.Equal(t, int64(108), stats.Converted)
	assert.Equal(t, int64(2), stats.Clamped)
}
