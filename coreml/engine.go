package coreml

import (
	"context"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	log "github.com/sirupsen/logrus"
)

// DefaultDeploymentTarget is the minimum iOS version converted models target.
const DefaultDeploymentTarget = "13"

// Engine converts an ONNX graph into a CoreML model.
type Engine interface {
	// Name identifies the engine in logs and reports.
	Name() string
	// Available returns a MissingDependencyError if the engine cannot run.
	Available() error
	// Convert produces an FP32 CoreML artifact held in memory.
	//
	// Arguments:
	//   - ctx: Cancels a running conversion.
	//   - graph: The source graph.
	//   - deploymentTarget: The minimum iOS version, e.g. "13".
	//
	// Returns:
	//   - *conversion.Artifact: The unpersisted model.
	//   - error: UnsupportedOperatorError or ConversionError.
	Convert(ctx context.Context, graph *onnx.ModelGraph, deploymentTarget string) (*conversion.Artifact, error)
}

// NativeOptions configures the in-process converter.
type NativeOptions struct {
	// AllowCustomLayers emits custom layers for operators without a built-in
	// layer instead of failing.
	AllowCustomLayers bool
}

// NativeEngine converts graphs in process by mapping ONNX operators onto
// NeuralNetwork layers.
type NativeEngine struct {
	opts NativeOptions
}

// NewNativeEngine creates the in-process converter.
func NewNativeEngine(opts NativeOptions) *NativeEngine {
	return &NativeEngine{opts: opts}
}

// Name returns "native".
func (e *NativeEngine) Name() string {
	return "native"
}

// Available always succeeds; the native engine has no external dependency.
func (e *NativeEngine) Available() error {
	return nil
}

// Convert maps the graph onto a NeuralNetwork model.
func (e *NativeEngine) Convert(ctx context.Context, graph *onnx.ModelGraph, deploymentTarget string) (*conversion.Artifact, error) {
	const op = "coreml.Convert"

	if err := ctx.Err(); err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, err)
	}
	if deploymentTarget == "" {
		deploymentTarget = DefaultDeploymentTarget
	}
	specVersion, err := SpecVersion(deploymentTarget)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, err)
	}

	if unsupported := UnsupportedOps(graph); len(unsupported) > 0 && !e.opts.AllowCustomLayers {
		return nil, conversion.Unsupported(op, string(conversion.FamilyCoreML), unsupported)
	}

	model, custom, err := buildModel(graph, specVersion, e.opts.AllowCustomLayers)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, err)
	}
	data := model.Encode()

	stats, err := CountWeights(data)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindConversion, op, err)
	}

	fields := log.Fields{
		"engine":       e.Name(),
		"spec_version": specVersion,
		"layers":       len(model.Layers),
		"weights":      stats.Total(),
		"size_bytes":   len(data),
	}
	if len(custom) > 0 {
		log.WithFields(fields).Warnf("emitted %d custom layers; the app must register implementations for %v",
			len(custom), distinct(custom))
	}
	log.WithFields(fields).Debug("converted graph to CoreML")

	return conversion.NewArtifact(conversion.TargetCoreMLFP32, data, stats.Total()), nil
}

func distinct(s []string) []string {
	seen := make(map[string]bool, len(s))
	var out []string
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
