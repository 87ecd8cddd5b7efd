package conversion

// ChannelsLast reorders a rank-4 NCHW shape to NHWC. Mobile runtimes feed
// camera frames as interleaved HWC buffers, so converted models expose
// channels-last image inputs.
//
// Arguments:
//   - shape: The NCHW shape.
//
// Returns:
//   - []int64: The NHWC shape, or the input unchanged if it is not rank 4.
//   - bool: Whether the shape was reordered.
func ChannelsLast(shape []int64) ([]int64, bool) {
	if len(shape) != 4 {
		return shape, false
	}
	return []int64{shape[0], shape[2], shape[3], shape[1]}, true
}

// NHWCToNCHW is the permutation that restores NCHW order from NHWC.
var NHWCToNCHW = []int64{0, 3, 1, 2}
