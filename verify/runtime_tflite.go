//go:build tflite

package verify

import (
	"context"

	"github.com/mattn/go-tflite"
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// TFLiteAvailable reports whether the TensorFlow Lite C runtime is linked in.
const TFLiteAvailable = true

// InterpreterRuntime loads TFLite artifacts into the TensorFlow Lite C
// interpreter, allocates tensors and, given a sample image, runs one smoke
// inference.
type InterpreterRuntime struct {
	fs     afero.Fs
	sample string
}

func newTFLiteRuntime(fs afero.Fs, sample string) (Runtime, error) {
	return &InterpreterRuntime{fs: fs, sample: sample}, nil
}

// Name returns "tflite".
func (r *InterpreterRuntime) Name() string {
	return "tflite"
}

// Load instantiates an interpreter for the artifact.
func (r *InterpreterRuntime) Load(ctx context.Context, a *conversion.Artifact) (conversion.Signature, error) {
	if a.Target.Family() != conversion.FamilyTFLite {
		return StaticRuntime{}.Load(ctx, a)
	}

	model := tflite.NewModel(a.Data)
	if model == nil {
		return conversion.Signature{}, errors.New("interpreter rejected the flat-buffer")
	}
	defer model.Delete()

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	options.SetNumThread(2)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		return conversion.Signature{}, errors.New("cannot create interpreter")
	}
	defer interp.Delete()

	if status := interp.AllocateTensors(); status != tflite.OK {
		return conversion.Signature{}, errors.Errorf("allocate tensors: status %d", status)
	}

	var sig conversion.Signature
	for i := 0; i < interp.GetInputTensorCount(); i++ {
		sig.Inputs = append(sig.Inputs, tensorSpec(interp.GetInputTensor(i)))
	}
	for i := 0; i < interp.GetOutputTensorCount(); i++ {
		sig.Outputs = append(sig.Outputs, tensorSpec(interp.GetOutputTensor(i)))
	}

	if r.sample != "" {
		if err := r.smoke(interp); err != nil {
			return conversion.Signature{}, errors.Wrap(err, "smoke inference")
		}
	}
	return sig, nil
}

// smoke feeds the sample image through the model once.
func (r *InterpreterRuntime) smoke(interp *tflite.Interpreter) error {
	img, err := LoadSample(r.fs, r.sample)
	if err != nil {
		return err
	}
	input := interp.GetInputTensor(0)
	if input.NumDims() != 4 || input.Type() != tflite.Float32 {
		return errors.Errorf("smoke inference needs a float32 NHWC input, got %d dims of type %v", input.NumDims(), input.Type())
	}
	size := input.Dim(1)
	if status := input.CopyFromBuffer(SampleInput(img, size)); status != tflite.OK {
		return errors.Errorf("copy sample: status %d", status)
	}
	if status := interp.Invoke(); status != tflite.OK {
		return errors.Errorf("invoke: status %d", status)
	}

	out := interp.GetOutputTensor(0).Float32s()
	log.WithFields(log.Fields{"sample": r.sample, "outputs": len(out)}).Info("smoke inference completed")
	return nil
}

func tensorSpec(t *tflite.Tensor) conversion.TensorSpec {
	spec := conversion.TensorSpec{Name: t.Name(), Shape: make([]int64, t.NumDims())}
	for i := range spec.Shape {
		spec.Shape[i] = int64(t.Dim(i))
	}
	switch t.Type() {
	case tflite.Float32:
		spec.ElemType = conversion.ElemFloat32
	case tflite.Float16:
		spec.ElemType = conversion.ElemFloat16
	case tflite.Int32:
		spec.ElemType = conversion.ElemInt32
	case tflite.Int64:
		spec.ElemType = conversion.ElemInt64
	case tflite.UInt8:
		spec.ElemType = conversion.ElemUint8
	default:
		spec.ElemType = conversion.ElemUnknown
	}
	return spec
}
