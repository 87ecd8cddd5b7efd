package onnx

import (
	"os"
	"runtime"
	"sync"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortMu   sync.Mutex
	ortPath string
)

// DefaultLibraryPath returns the conventional location of the onnxruntime
// shared library for the current platform.
//
// Returns:
//   - string: The path to the shared library.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// Probe reads declared inputs and outputs through ONNX Runtime. It is a
// diagnostic cross-check of the wire-level parse; the pipeline never branches
// on it.
type Probe struct {
	// LibraryPath is the onnxruntime shared library to load.
	LibraryPath string
}

// NewProbe creates a probe for the given shared library. An empty path uses
// DefaultLibraryPath.
func NewProbe(libraryPath string) *Probe {
	if libraryPath == "" {
		libraryPath = DefaultLibraryPath()
	}
	return &Probe{LibraryPath: libraryPath}
}

// Available reports whether the shared library exists.
func (p *Probe) Available() error {
	if _, err := os.Stat(p.LibraryPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", p.LibraryPath)
	}
	return nil
}

// Inspect returns the model signature as seen by ONNX Runtime.
//
// Arguments:
//   - modelPath: Path to the .onnx file on the OS filesystem.
//
// Returns:
//   - *conversion.Signature: Declared inputs and outputs.
//   - error: An error if the runtime cannot be initialized or read the model.
func (p *Probe) Inspect(modelPath string) (*conversion.Signature, error) {
	if err := p.init(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read input/output info from %s", modelPath)
	}

	sig := &conversion.Signature{}
	for _, in := range inputs {
		sig.Inputs = append(sig.Inputs, ortSpec(in))
	}
	for _, out := range outputs {
		sig.Outputs = append(sig.Outputs, ortSpec(out))
	}
	return sig, nil
}

func (p *Probe) init() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ort.IsInitialized() {
		if ortPath != p.LibraryPath {
			return errors.Errorf("onnxruntime already initialized from %s", ortPath)
		}
		return nil
	}
	if err := p.Available(); err != nil {
		return err
	}

	ort.SetSharedLibraryPath(p.LibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	ortPath = p.LibraryPath
	return nil
}

func ortSpec(info ort.InputOutputInfo) conversion.TensorSpec {
	return conversion.TensorSpec{
		Name:     info.Name,
		Shape:    append([]int64(nil), info.Dimensions...),
		ElemType: ortElemType(info.DataType),
	}
}

func ortElemType(t ort.TensorElementDataType) conversion.ElemType {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return conversion.ElemFloat32
	case ort.TensorElementDataTypeFloat16:
		return conversion.ElemFloat16
	case ort.TensorElementDataTypeDouble:
		return conversion.ElemFloat64
	case ort.TensorElementDataTypeInt32:
		return conversion.ElemInt32
	case ort.TensorElementDataTypeInt64:
		return conversion.ElemInt64
	case ort.TensorElementDataTypeUint8:
		return conversion.ElemUint8
	default:
		return conversion.ElemUnknown
	}
}
