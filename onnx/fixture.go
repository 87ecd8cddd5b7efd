package onnx

import "math"

// FixtureOptions configures the test segmentation graph.
type FixtureOptions struct {
	// Resolution is the spatial size of the square input. Default: 512.
	Resolution int64
	// Hidden is the channel count of the hidden convolution. Default: 32.
	Hidden int64
	// ExtraOps appends single-input operators after the hidden activation,
	// used to exercise unsupported-operator handling.
	ExtraOps []string
}

// Fixture builds a small segmentation-shaped graph honoring the
// NCHW [1,3,R,R] image to [1,R,R] class-map contract:
//
//	pixel_values -> Conv3x3 -> Relu -> Conv1x1 -> Reshape -> logits
//
// The weights are deterministic so repeated runs serialize identically. It
// does not perform real segmentation.
//
// Arguments:
//   - opts: Shape options; zero values take the defaults.
//
// Returns:
//   - []byte: The serialized ONNX model.
func Fixture(opts FixtureOptions) []byte {
	if opts.Resolution == 0 {
		opts.Resolution = 512
	}
	if opts.Hidden == 0 {
		opts.Hidden = 32
	}
	r, h := opts.Resolution, opts.Hidden

	b := NewGraphBuilder("segformer_fixture").
		Producer("segconvert-fixture", "1.0").
		Input("pixel_values", DataTypeFloat, 1, 3, r, r).
		Output("logits", DataTypeFloat, 1, r, r).
		Weights("conv1.weight", []int64{h, 3, 3, 3}, series(h*3*3*3, 0.1)).
		Weights("conv1.bias", []int64{h}, series(h, 0.01)).
		Weights("conv2.weight", []int64{1, h, 1, 1}, series(h, 0.05)).
		Weights("conv2.bias", []int64{1}, []float32{0}).
		Ints("reshape.shape", []int64{3}, []int64{1, r, r}).
		Node("Conv", []string{"pixel_values", "conv1.weight", "conv1.bias"}, []string{"hidden"},
			IntsAttr("kernel_shape", 3, 3), IntsAttr("pads", 1, 1, 1, 1), IntsAttr("strides", 1, 1)).
		Node("Relu", []string{"hidden"}, []string{"hidden_act"})

	last := "hidden_act"
	for i, op := range opts.ExtraOps {
		out := last + "_" + op
		if i > 0 {
			out += "_" + string(rune('a'+i))
		}
		b.Node(op, []string{last}, []string{out})
		last = out
	}

	return b.
		Node("Conv", []string{last, "conv2.weight", "conv2.bias"}, []string{"classes"},
			IntsAttr("kernel_shape", 1, 1), IntsAttr("strides", 1, 1)).
		Node("Reshape", []string{"classes", "reshape.shape"}, []string{"logits"}).
		Bytes()
}

func series(n int64, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i+1)) * scale)
	}
	return out
}
