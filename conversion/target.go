package conversion

import "github.com/pkg/errors"

// Family is a target runtime ecosystem.
type Family string

const (
	// FamilyCoreML produces .mlmodel bundles for Apple platforms.
	FamilyCoreML Family = "coreml"
	// FamilyTFLite produces TensorFlow Lite flat-buffers for Android.
	FamilyTFLite Family = "tflite"
)

// Families is a list of all supported families.
var Families = []Family{FamilyCoreML, FamilyTFLite}

// ParseFamily parses a family name.
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyCoreML, FamilyTFLite:
		return Family(s), nil
	default:
		return "", errors.Errorf("unknown target family: %q", s)
	}
}

// Target is a single conversion output variant.
type Target string

const (
	TargetCoreMLFP32 Target = "CoreMLFP32"
	TargetCoreMLFP16 Target = "CoreMLFP16"
	TargetTFLiteFP32 Target = "TFLiteFP32"
	TargetTFLiteFP16 Target = "TFLiteFP16"
)

// Targets is a list of all supported targets.
var Targets = []Target{TargetCoreMLFP32, TargetCoreMLFP16, TargetTFLiteFP32, TargetTFLiteFP16}

// Family returns the ecosystem the target belongs to.
func (t Target) Family() Family {
	switch t {
	case TargetCoreMLFP32, TargetCoreMLFP16:
		return FamilyCoreML
	case TargetTFLiteFP32, TargetTFLiteFP16:
		return FamilyTFLite
	default:
		return ""
	}
}

// Precision returns the weight precision of the target.
func (t Target) Precision() Precision {
	switch t {
	case TargetCoreMLFP16, TargetTFLiteFP16:
		return PrecisionFP16
	default:
		return PrecisionFP32
	}
}

// TargetFor resolves a family and precision to a target.
//
// Arguments:
//   - family: The target family.
//   - precision: The weight precision.
//
// Returns:
//   - Target: The resolved target.
//   - error: An error if the combination is unknown.
func TargetFor(family Family, precision Precision) (Target, error) {
	for _, t := range Targets {
		if t.Family() == family && t.Precision() == precision {
			return t, nil
		}
	}
	return "", errors.Errorf("no target for family %q at precision %q", family, precision)
}
