package savedmodel

import (
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleModel() *SavedModel {
	return &SavedModel{
		Tags:     []string{ServeTag},
		Producer: 1205,
		Nodes: []Node{
			{Name: "x", Op: "Placeholder", Attrs: map[string]Attr{
				"dtype": TypeAttr(DTFloat),
				"shape": ShapeAttr([]int64{1, 4, 4, 3}),
			}},
			{Name: "w", Op: "Const", Attrs: map[string]Attr{
				"dtype": TypeAttr(DTFloat),
				"value": TensorAttr(&Tensor{DType: DTFloat, Shape: []int64{3}, Floats: []float32{0.5, -1, 2}}),
			}},
			{Name: "perm", Op: "Const", Attrs: map[string]Attr{
				"dtype": TypeAttr(DTInt32),
				"value": TensorAttr(&Tensor{DType: DTInt32, Shape: []int64{4}, Ints: []int64{0, 3, 1, 2}}),
			}},
			{Name: "y", Op: "Conv2D", Inputs: []string{"x", "w"}, Attrs: map[string]Attr{
				"strides":     IntsAttr(1, 1, 1, 1),
				"padding":     StringAttr("SAME"),
				"data_format": StringAttr("NHWC"),
				"epsilon":     FloatAttr(1e-5),
				"use_cudnn":   BoolAttr(true),
				"explicit":    IntAttr(0),
				"scales":      FloatsAttr(2, 2),
			}},
		},
		Signatures: map[string]Signature{
			DefaultServingSignature: {
				MethodName: PredictMethod,
				Inputs:     map[string]TensorInfo{"pixel_values": {Name: "x:0", DType: DTFloat, Shape: []int64{1, 4, 4, 3}}},
				Outputs:    map[string]TensorInfo{"logits": {Name: "y:0", DType: DTFloat, Shape: []int64{-1, 4, 4}}},
			},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	m := sampleModel()

	got, err := Decode(m.Encode())
	require.NoError(t, err)

	assert.Equal(t, []string{ServeTag}, got.Tags)
	assert.Equal(t, int64(1205), got.Producer)
	require.Len(t, got.Nodes, 4)

	conv, ok := got.Node("y")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "w"}, conv.Inputs)
	assert.Equal(t, IntsAttr(1, 1, 1, 1), conv.Attrs["strides"])
	assert.Equal(t, "SAME", conv.Attrs["padding"].S)
	assert.Equal(t, float32(1e-5), conv.Attrs["epsilon"].F)
	assert.True(t, conv.Attrs["use_cudnn"].B)
	assert.Equal(t, []float32{2, 2}, conv.Attrs["scales"].Floats)

	w, _ := got.Node("w")
	assert.Equal(t, []float32{0.5, -1, 2}, w.Attrs["value"].Tensor.Floats)
	perm, _ := got.Node("perm")
	assert.Equal(t, []int64{0, 3, 1, 2}, perm.Attrs["value"].Tensor.Ints)

	x, _ := got.Node("x")
	assert.Equal(t, []int64{1, 4, 4, 3}, x.Attrs["shape"].Shape)

	sig, ok := got.ServingSignature()
	require.True(t, ok)
	assert.Equal(t, PredictMethod, sig.MethodName)
	assert.Equal(t, "x:0", sig.Inputs["pixel_values"].Name)
	assert.Equal(t, []int64{-1, 4, 4}, sig.Outputs["logits"].Shape)
	assert.Equal(t, conversion.TensorSpec{Name: "logits", Shape: []int64{-1, 4, 4}, ElemType: conversion.ElemFloat32},
		sig.Outputs["logits"].Spec("logits"))

	assert.Equal(t, int64(3), got.WeightCount())
}

func TestEncodeIsDeterministic(t *testing.T) {
	assert.Equal(t, sampleModel().Encode(), sampleModel().Encode())
}

func TestHalfTensorRoundTrip(t *testing.T) {
	m := &SavedModel{Nodes: []Node{{Name: "h", Op: "Const", Attrs: map[string]Attr{
		"value": TensorAttr(&Tensor{DType: DTHalf, Shape: []int64{3}, Floats: []float32{1, -0.5, 65504}}),
	}}}}

	got, err := Decode(m.Encode())
	require.NoError(t, err)

	h, _ := got.Node("h")
	assert.Equal(t, []float32{1, -0.5, 65504}, h.Attrs["value"].Tensor.Floats)
}

func TestWriteRead(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, Write(fs, "out/segformer_tf", sampleModel()))

	assert.True(t, Exists(fs, "out/segformer_tf"))
	vars, err := afero.DirExists(fs, "out/segformer_tf/variables")
	require.NoError(t, err)
	assert.True(t, vars)

	got, err := Read(fs, "out/segformer_tf")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 4)
}

func TestReadMissingDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := Read(fs, "nowhere")

	assert.Error(t, err)
	assert.False(t, Exists(fs, "nowhere"))
}

func TestDecodeWithoutMetaGraph(t *testing.T) {
	_, err := Decode([]byte{0x08, 0x01})
	assert.Error(t, err)
}
