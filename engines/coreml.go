package engines

import (
	"context"
	"path/filepath"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// CoreMLEngine converts through an external ONNX to CoreML converter. The
// command receives the source path, a scratch output path and the
// deployment target.
type CoreMLEngine struct {
	toolchain
	command Command
}

// NewCoreMLEngine creates the exec engine.
//
// Arguments:
//   - fs: The filesystem the converter writes to.
//   - runner: Starts the converter process.
//   - template: The command template; see Command.
//
// Returns:
//   - *CoreMLEngine: The engine.
//   - error: An error if the template is empty.
func NewCoreMLEngine(fs afero.Fs, runner Runner, template string) (*CoreMLEngine, error) {
	cmd, err := ParseCommand(template)
	if err != nil {
		return nil, err
	}
	return &CoreMLEngine{toolchain: toolchain{fs: fs, runner: runner}, command: cmd}, nil
}

// WithCheck sets the command Available runs to confirm the converter's
// dependencies import. An empty template disables the check.
func (e *CoreMLEngine) WithCheck(template string) (*CoreMLEngine, error) {
	if err := e.setCheck(template); err != nil {
		return nil, errors.Wrap(err, "check command")
	}
	return e, nil
}

// Name returns "exec".
func (e *CoreMLEngine) Name() string {
	return "exec"
}

// Available checks that the converter executable resolves and that the
// check command, if any, passes.
func (e *CoreMLEngine) Available() error {
	return e.available("coreml.Available", "CoreML", e.command)
}

// Convert runs the converter against the graph's source file.
func (e *CoreMLEngine) Convert(ctx context.Context, graph *onnx.ModelGraph, deploymentTarget string) (*conversion.Artifact, error) {
	const op = "coreml.Convert"

	if graph.Path == "" {
		return nil, conversion.Errorf(conversion.KindConversion, op, "graph has no source file for the external converter")
	}
	if deploymentTarget == "" {
		deploymentTarget = coreml.DefaultDeploymentTarget
	}
	if _, err := coreml.SpecVersion(deploymentTarget); err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, err)
	}

	scratch, err := afero.TempDir(e.fs, "", "segconvert-coreml")
	if err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, errors.Wrap(err, "create scratch directory"))
	}
	defer e.fs.RemoveAll(scratch) //nolint:errcheck
	out := filepath.Join(scratch, "model.mlmodel")

	stderr, err := run(ctx, e.fs, e.runner, e.command, map[string]string{
		PlaceholderInput:  graph.Path,
		PlaceholderOutput: out,
		PlaceholderTarget: deploymentTarget,
	})
	if err != nil {
		return nil, failure(conversion.KindConversion, op, conversion.FamilyCoreML, stderr, err)
	}

	data, err := afero.ReadFile(e.fs, out)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, errors.Wrap(err, "converter produced no model"))
	}

	// ML program models keep weights outside the NeuralNetwork fields and
	// report zero.
	var weights int64
	if stats, err := coreml.CountWeights(data); err == nil {
		weights = stats.Total()
	} else {
		log.WithError(err).Warn("could not count CoreML weights")
	}

	return conversion.NewArtifact(conversion.TargetCoreMLFP32, data, weights), nil
}
