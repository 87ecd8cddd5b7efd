package tflite

import (
	"context"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	sm "github.com/nvr-ai/segconvert/savedmodel"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Intermediate is a SavedModel persisted on the way to a TFLite artifact.
type Intermediate struct {
	// Dir is the SavedModel directory.
	Dir string
	// Model is the decoded SavedModel. Nil when the intermediate was produced
	// by an external toolchain; ToBytecode then reads it from Dir.
	Model *sm.SavedModel
}

// Engine converts an ONNX graph into TFLite flat-buffers through a
// SavedModel intermediate.
type Engine interface {
	// Name identifies the engine in logs and reports.
	Name() string
	// Available returns a MissingDependencyError if the engine cannot run.
	Available() error
	// ToIntermediate translates the graph and persists the SavedModel to dir.
	//
	// Arguments:
	//   - ctx: Cancels a running conversion.
	//   - graph: The source graph.
	//   - dir: The SavedModel directory to write.
	//
	// Returns:
	//   - *Intermediate: The persisted intermediate.
	//   - error: UnsupportedOperatorError or IntermediateConversionError.
	ToIntermediate(ctx context.Context, graph *onnx.ModelGraph, dir string) (*Intermediate, error)
	// ToBytecode compiles the intermediate into a flat-buffer.
	//
	// Arguments:
	//   - ctx: Cancels a running compilation.
	//   - in: The intermediate from ToIntermediate.
	//   - precision: FP32 or FP16.
	//
	// Returns:
	//   - *conversion.Artifact: The unpersisted artifact.
	//   - error: A BytecodeConversionError.
	ToBytecode(ctx context.Context, in *Intermediate, precision conversion.Precision) (*conversion.Artifact, error)
}

// NativeEngine lowers and compiles graphs in process.
type NativeEngine struct {
	fs afero.Fs
}

// NewNativeEngine creates the in-process engine writing intermediates to fs.
func NewNativeEngine(fs afero.Fs) *NativeEngine {
	return &NativeEngine{fs: fs}
}

// Name returns "native".
func (e *NativeEngine) Name() string {
	return "native"
}

// Available always succeeds; the native engine has no external dependency.
func (e *NativeEngine) Available() error {
	return nil
}

// ToIntermediate lowers the graph to TensorFlow ops and writes the
// SavedModel. Nothing is written when an operator is unsupported.
func (e *NativeEngine) ToIntermediate(ctx context.Context, graph *onnx.ModelGraph, dir string) (*Intermediate, error) {
	const op = "tflite.ToIntermediate"

	if err := ctx.Err(); err != nil {
		return nil, conversion.Wrap(conversion.KindIntermediateConversion, op, err)
	}
	if unsupported := UnsupportedOps(graph); len(unsupported) > 0 {
		return nil, conversion.Unsupported(op, string(conversion.FamilyTFLite), unsupported)
	}

	model, err := lowerGraph(graph)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindIntermediateConversion, op, err)
	}
	if err := sm.Write(e.fs, dir, model); err != nil {
		return nil, conversion.Wrap(conversion.KindIntermediateConversion, op, err)
	}

	log.WithFields(log.Fields{
		"engine":  e.Name(),
		"dir":     dir,
		"nodes":   len(model.Nodes),
		"weights": model.WeightCount(),
	}).Debug("wrote SavedModel intermediate")

	return &Intermediate{Dir: dir, Model: model}, nil
}

// ToBytecode compiles the SavedModel at the requested precision.
func (e *NativeEngine) ToBytecode(ctx context.Context, in *Intermediate, precision conversion.Precision) (*conversion.Artifact, error) {
	const op = "tflite.ToBytecode"

	if err := ctx.Err(); err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, err)
	}
	if in == nil {
		return nil, conversion.Errorf(conversion.KindBytecodeConversion, op, "no intermediate to compile")
	}
	target, err := conversion.TargetFor(conversion.FamilyTFLite, precision)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, err)
	}

	model := in.Model
	if model == nil {
		if model, err = sm.Read(e.fs, in.Dir); err != nil {
			return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, errors.Wrap(err, "reload SavedModel"))
		}
	}

	compiled, err := Compile(model, precision)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, err)
	}

	log.WithFields(log.Fields{
		"engine":     e.Name(),
		"precision":  precision,
		"weights":    compiled.Weights,
		"clamped":    compiled.Clamped,
		"size_bytes": len(compiled.Data),
	}).Debug("compiled TFLite flat-buffer")

	a := conversion.NewArtifact(target, compiled.Data, compiled.Weights).WithIntermediate(in.Dir)
	a.Clamped = compiled.Clamped
	return a, nil
}
