package coreml

import (
	"context"
	"errors"
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureGraph(t *testing.T, opts onnx.FixtureOptions) *onnx.ModelGraph {
	t.Helper()
	g, err := onnx.Decode(onnx.Fixture(opts), nil)
	require.NoError(t, err)
	return g
}

func TestSpecVersion(t *testing.T) {
	tests := []struct {
		target  string
		want    int32
		wantErr bool
	}{
		{target: "13", want: 4},
		{target: "iOS14", want: 5},
		{target: "13.0", want: 4},
		{target: "11.2", want: 2},
		{target: "17", want: 8},
		{target: "9", wantErr: true},
		{target: "latest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := SpecVersion(tt.target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNativeConvertFixture(t *testing.T) {
	g := fixtureGraph(t, onnx.FixtureOptions{Hidden: 4})

	a, err := NewNativeEngine(NativeOptions{}).Convert(context.Background(), g, "13")
	require.NoError(t, err)

	assert.Equal(t, conversion.TargetCoreMLFP32, a.Target)
	assert.Empty(t, a.Path)
	assert.Equal(t, int64(len(a.Data)), a.Size)
	assert.Equal(t, int64(117), a.WeightCount)

	info, err := Inspect(a.Data)
	require.NoError(t, err)
	assert.Equal(t, int32(4), info.SpecVersion)

	require.Len(t, info.Signature.Inputs, 1)
	in := info.Signature.Inputs[0]
	assert.Equal(t, "pixel_values", in.Name)
	assert.Equal(t, []int64{1, 512, 512, 3}, in.Shape)
	assert.Equal(t, conversion.ElemFloat32, in.ElemType)

	require.Len(t, info.Signature.Outputs, 1)
	assert.Equal(t, []int64{1, 512, 512}, info.Signature.Outputs[0].Shape)

	assert.Equal(t, map[string]int{
		"permute":     1,
		"convolution": 2,
		"activation":  1,
		"reshape":     1,
	}, info.Layers)
	assert.Equal(t, int64(117), info.Weights.Float32)
	assert.Zero(t, info.Weights.Float16)
	assert.Equal(t, "segconvert", info.Metadata["author"])
	assert.Equal(t, "13", info.Metadata["onnx.opset"])
}

func TestNativeConvertIsDeterministic(t *testing.T) {
	g := fixtureGraph(t, onnx.FixtureOptions{Hidden: 4})
	e := NewNativeEngine(NativeOptions{})

	a, err := e.Convert(context.Background(), g, "")
	require.NoError(t, err)
	b, err := e.Convert(context.Background(), g, "")
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data)
}

func TestNativeConvertUnsupportedOperator(t *testing.T) {
	g := fixtureGraph(t, onnx.FixtureOptions{Hidden: 2, ExtraOps: []string{"Erf", "Gelu", "Erf"}})

	_, err := NewNativeEngine(NativeOptions{}).Convert(context.Background(), g, "13")

	require.Error(t, err)
	assert.Equal(t, conversion.KindUnsupportedOperator, conversion.KindOf(err))
	var unsupported *conversion.UnsupportedOperatorError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, []string{"Erf", "Gelu"}, unsupported.Ops)
}

func TestNativeConvertCustomLayers(t *testing.T) {
	g := fixtureGraph(t, onnx.FixtureOptions{Hidden: 2, ExtraOps: []string{"Erf"}})

	a, err := NewNativeEngine(NativeOptions{AllowCustomLayers: true}).Convert(context.Background(), g, "13")
	require.NoError(t, err)

	info, err := Inspect(a.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{"Erf"}, info.CustomLayers)
	assert.Equal(t, 1, info.Layers["custom"])
}

func TestNativeConvertRejectsUnknownDeploymentTarget(t *testing.T) {
	g := fixtureGraph(t, onnx.FixtureOptions{Hidden: 2})

	_, err := NewNativeEngine(NativeOptions{}).Convert(context.Background(), g, "8")

	assert.Equal(t, conversion.KindConversion, conversion.KindOf(err))
}

func TestNativeConvertHonorsCancellation(t *testing.T) {
	g := fixtureGraph(t, onnx.FixtureOptions{Hidden: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewNativeEngine(NativeOptions{}).Convert(ctx, g, "13")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestConvertGemmAndConstants(t *testing.T) {
	data := onnx.NewGraphBuilder("gemm").
		Input("x", onnx.DataTypeFloat, 1, 4).
		Output("y", onnx.DataTypeFloat, 1, 2).
		Weights("fc.weight", []int64{4, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8}).
		Weights("fc.bias", []int64{2}, []float32{0.5, -0.5}).
		Weights("offset", []int64{2}, []float32{1, 1}).
		Node("Gemm", []string{"x", "fc.weight", "fc.bias"}, []string{"h"}).
		Node("Add", []string{"h", "offset"}, []string{"y"}).
		Bytes()
	g, err := onnx.Decode(data, nil)
	require.NoError(t, err)

	a, err := NewNativeEngine(NativeOptions{}).Convert(context.Background(), g, "13")
	require.NoError(t, err)

	info, err := Inspect(a.Data)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Layers["innerProduct"])
	assert.Equal(t, 1, info.Layers["loadConstant"])
	assert.Equal(t, 1, info.Layers["add"])
	// Rank-2 inputs stay as declared.
	assert.Equal(t, []int64{1, 4}, info.Signature.Inputs[0].Shape)
	assert.Equal(t, int64(12), info.Weights.Total())
}

func TestTranspose2D(t *testing.T) {
	// [[1 2 3] [4 5 6]] -> [[1 4] [2 5] [3 6]]
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, transpose2D([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
}

func TestMapWeightsIdentityPreservesBytes(t *testing.T) {
	a, err := NewNativeEngine(NativeOptions{}).Convert(context.Background(),
		fixtureGraph(t, onnx.FixtureOptions{Hidden: 4}), "13")
	require.NoError(t, err)

	calls := 0
	out, err := MapWeights(a.Data, func(wp []byte) ([]byte, error) {
		calls++
		return wp, nil
	})
	require.NoError(t, err)

	assert.Equal(t, a.Data, out)
	// Two weights and two biases.
	assert.Equal(t, 4, calls)
}

func TestRaiseSpecVersion(t *testing.T) {
	m := &Model{SpecVersion: 1, Outputs: []Feature{{Name: "y", Shape: []int64{1}, DataType: ArrayFloat32}}}

	raised, err := RaiseSpecVersion(m.Encode(), MinFloat16SpecVersion)
	require.NoError(t, err)
	info, err := Inspect(raised)
	require.NoError(t, err)
	assert.Equal(t, int32(2), info.SpecVersion)

	m.SpecVersion = 5
	kept, err := RaiseSpecVersion(m.Encode(), MinFloat16SpecVersion)
	require.NoError(t, err)
	assert.Equal(t, m.Encode(), kept)
}

func TestInspectRejectsNonModels(t *testing.T) {
	_, err := Inspect(wire.NewEncoder().Int64(1, 4).Bytes())
	assert.Error(t, err)

	_, err = Inspect([]byte{0xff, 0xff})
	assert.Error(t, err)
}
