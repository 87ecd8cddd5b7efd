//go:build !tflite

package verify

import (
	"github.com/spf13/afero"
)

// TFLiteAvailable reports whether the TensorFlow Lite C runtime is linked in.
const TFLiteAvailable = false

func newTFLiteRuntime(afero.Fs, string) (Runtime, error) {
	return StaticRuntime{}, nil
}
