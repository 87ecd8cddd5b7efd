package verify

import (
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/spf13/afero"
)

// Runtime names accepted by NewRuntime.
const (
	RuntimeStatic = "static"
	RuntimeTFLite = "tflite"
)

// NewRuntime resolves a runtime by name.
//
// Arguments:
//   - name: "static" or "tflite".
//   - fs: Used by runtimes that read a sample image.
//   - sample: Optional sample image for a smoke inference.
//
// Returns:
//   - Runtime: The runtime.
//   - error: A MissingDependencyError if the runtime is not built in.
func NewRuntime(name string, fs afero.Fs, sample string) (Runtime, error) {
	const op = "verify.NewRuntime"

	switch name {
	case "", RuntimeStatic:
		return StaticRuntime{}, nil
	case RuntimeTFLite:
		if !TFLiteAvailable {
			return nil, conversion.Errorf(conversion.KindMissingDependency, op,
				"the TensorFlow Lite runtime is not built in; rebuild with -tags tflite")
		}
		return newTFLiteRuntime(fs, sample)
	default:
		return nil, conversion.Errorf(conversion.KindVerification, op, "unknown runtime %q", name)
	}
}
