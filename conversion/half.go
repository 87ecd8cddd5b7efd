package conversion

import (
	"encoding/binary"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
)

// MaxFloat16 is the largest finite half-precision value.
const MaxFloat16 = 65504

// ToFloat16 encodes values as little-endian IEEE half-precision floats.
// Finite values beyond the half-precision range are clamped to ±MaxFloat16
// instead of becoming infinities; NaN and infinities are kept.
//
// Arguments:
//   - values: The float32 values.
//
// Returns:
//   - []byte: Two bytes per value.
//   - int64: The number of values that were clamped.
func ToFloat16(values []float32) ([]byte, int64) {
	var clamped int64
	out := make([]byte, 2*len(values))
	for i, v := range values {
		if !math32.IsNaN(v) && !math32.IsInf(v, 0) && math32.Abs(v) > MaxFloat16 {
			v = math32.Copysign(MaxFloat16, v)
			clamped++
		}
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out, clamped
}

// FromFloat16 decodes little-endian half-precision floats.
func FromFloat16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	}
	return out
}
