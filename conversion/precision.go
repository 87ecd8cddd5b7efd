// Package conversion - Shared types for the conversion pipeline: targets,
// precisions, artifacts, tensor contracts and classified errors.
package conversion

import "github.com/pkg/errors"

// Precision represents the weight precision of an artifact.
type Precision string

// Precision constants are the supported precisions for conversion.
const (
	PrecisionFP32 Precision = "FP32"
	PrecisionFP16 Precision = "FP16"
)

// BitWidth returns the number of bits per weight for the precision.
//
// Returns:
//   - int: 32 for FP32, 16 for FP16.
func (p Precision) BitWidth() int {
	switch p {
	case PrecisionFP16:
		return 16
	default:
		return 32
	}
}

// PrecisionForBitWidth maps a bit width back to a precision.
//
// Arguments:
//   - bits: The requested bit width.
//
// Returns:
//   - Precision: The matching precision.
//   - error: An error if the bit width is not supported.
func PrecisionForBitWidth(bits int) (Precision, error) {
	switch bits {
	case 32:
		return PrecisionFP32, nil
	case 16:
		return PrecisionFP16, nil
	default:
		return "", errors.Errorf("unsupported bit width: %d", bits)
	}
}
