package engines

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	sm "github.com/nvr-ai/segconvert/savedmodel"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// TFLiteEngine runs the two TFLite stages as external commands: one writes a
// SavedModel directory from the ONNX file, the other compiles that directory
// into a flat-buffer at {precision} ("fp32" or "fp16").
type TFLiteEngine struct {
	toolchain
	intermediate Command
	bytecode     Command
}

// NewTFLiteEngine creates the exec engine.
//
// Arguments:
//   - fs: The filesystem the converters write to.
//   - runner: Starts the converter processes.
//   - intermediateTemplate: ONNX to SavedModel command template.
//   - bytecodeTemplate: SavedModel to TFLite command template.
//
// Returns:
//   - *TFLiteEngine: The engine.
//   - error: An error if either template is empty.
func NewTFLiteEngine(fs afero.Fs, runner Runner, intermediateTemplate, bytecodeTemplate string) (*TFLiteEngine, error) {
	intermediate, err := ParseCommand(intermediateTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "intermediate command")
	}
	bytecode, err := ParseCommand(bytecodeTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "bytecode command")
	}
	return &TFLiteEngine{
		toolchain:    toolchain{fs: fs, runner: runner},
		intermediate: intermediate,
		bytecode:     bytecode,
	}, nil
}

// WithCheck sets the command Available runs to confirm the converters'
// dependencies import. An empty template disables the check.
func (e *TFLiteEngine) WithCheck(template string) (*TFLiteEngine, error) {
	if err := e.setCheck(template); err != nil {
		return nil, errors.Wrap(err, "check command")
	}
	return e, nil
}

// Name returns "exec".
func (e *TFLiteEngine) Name() string {
	return "exec"
}

// Available checks that both converter executables resolve and that the
// check command, if any, passes.
func (e *TFLiteEngine) Available() error {
	return e.available("tflite.Available", "TFLite", e.intermediate, e.bytecode)
}

// ToIntermediate runs the ONNX to SavedModel command. A directory the
// command created is removed again when it fails.
func (e *TFLiteEngine) ToIntermediate(ctx context.Context, graph *onnx.ModelGraph, dir string) (*tflite.Intermediate, error) {
	const op = "tflite.ToIntermediate"

	if graph.Path == "" {
		return nil, conversion.Errorf(conversion.KindIntermediateConversion, op, "graph has no source file for the external converter")
	}
	existed, err := afero.DirExists(e.fs, dir)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindIntermediateConversion, op, err)
	}

	stderr, err := run(ctx, e.fs, e.runner, e.intermediate, map[string]string{
		PlaceholderInput:  graph.Path,
		PlaceholderOutput: dir,
	})
	if err != nil {
		if !existed {
			if rmErr := e.fs.RemoveAll(dir); rmErr != nil {
				log.WithError(rmErr).Warnf("could not remove partial intermediate %s", dir)
			}
		}
		return nil, failure(conversion.KindIntermediateConversion, op, conversion.FamilyTFLite, stderr, err)
	}

	if !sm.Exists(e.fs, dir) {
		return nil, conversion.Errorf(conversion.KindIntermediateConversion, op,
			"converter wrote no %s to %s", sm.ModelFile, dir)
	}
	return &tflite.Intermediate{Dir: dir}, nil
}

// ToBytecode runs the SavedModel to TFLite command.
func (e *TFLiteEngine) ToBytecode(ctx context.Context, in *tflite.Intermediate, precision conversion.Precision) (*conversion.Artifact, error) {
	const op = "tflite.ToBytecode"

	if in == nil {
		return nil, conversion.Errorf(conversion.KindBytecodeConversion, op, "no intermediate to compile")
	}
	target, err := conversion.TargetFor(conversion.FamilyTFLite, precision)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, err)
	}

	scratch, err := afero.TempDir(e.fs, "", "segconvert-tflite")
	if err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, errors.Wrap(err, "create scratch directory"))
	}
	defer e.fs.RemoveAll(scratch) //nolint:errcheck
	out := filepath.Join(scratch, "model.tflite")

	if stderr, err := run(ctx, e.fs, e.runner, e.bytecode, map[string]string{
		PlaceholderInput:     in.Dir,
		PlaceholderOutput:    out,
		PlaceholderPrecision: strings.ToLower(string(precision)),
	}); err != nil {
		return nil, failure(conversion.KindBytecodeConversion, op, conversion.FamilyTFLite, stderr, err)
	}

	data, err := afero.ReadFile(e.fs, out)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, errors.Wrap(err, "converter produced no model"))
	}
	info, err := tflite.Inspect(data)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindBytecodeConversion, op, err)
	}

	return conversion.NewArtifact(target, data, info.Weights.Total()).WithIntermediate(in.Dir), nil
}
