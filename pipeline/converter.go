package pipeline

import (
	"context"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/tflite"
)

// Converter produces the FP32 artifact of one target family from a graph.
type Converter interface {
	Family() conversion.Family
	// Engine names the underlying engine for logs and reports.
	Engine() string
	// Available returns a MissingDependencyError if the engine cannot run.
	Available() error
	Convert(ctx context.Context, graph *onnx.ModelGraph) (*conversion.Artifact, error)
}

// CoreMLConverter adapts a coreml.Engine.
type CoreMLConverter struct {
	engine           coreml.Engine
	deploymentTarget string
}

// NewCoreMLConverter creates a converter for the CoreML family.
//
// Arguments:
//   - engine: The CoreML engine.
//   - deploymentTarget: The minimum iOS version. Empty uses the default.
//
// Returns:
//   - *CoreMLConverter: The converter.
func NewCoreMLConverter(engine coreml.Engine, deploymentTarget string) *CoreMLConverter {
	if deploymentTarget == "" {
		deploymentTarget = coreml.DefaultDeploymentTarget
	}
	return &CoreMLConverter{engine: engine, deploymentTarget: deploymentTarget}
}

func (c *CoreMLConverter) Family() conversion.Family { return conversion.FamilyCoreML }
func (c *CoreMLConverter) Engine() string { return c.engine.Name() }
func (c *CoreMLConverter) Available() error { return c.engine.Available() }

// Convert runs the single CoreML conversion step.
func (c *CoreMLConverter) Convert(ctx context.Context, graph *onnx.ModelGraph) (*conversion.Artifact, error) {
	return c.engine.Convert(ctx, graph, c.deploymentTarget)
}

// TFLiteConverter adapts a tflite.Engine. The intermediate SavedModel is
// written to dir and left in place whatever the outcome of later stages.
type TFLiteConverter struct {
	engine tflite.Engine
	dir    string
}

// NewTFLiteConverter creates a converter for the TFLite family.
func NewTFLiteConverter(engine tflite.Engine, dir string) *TFLiteConverter {
	return &TFLiteConverter{engine: engine, dir: dir}
}

func (c *TFLiteConverter) Family() conversion.Family { return conversion.FamilyTFLite }
func (c *TFLiteConverter) Engine() string { return c.engine.Name() }
func (c *TFLiteConverter) Available() error { return c.engine.Available() }

// Convert lowers the graph to the intermediate directory and compiles it at
// FP32.
func (c *TFLiteConverter) Convert(ctx context.Context, graph *onnx.ModelGraph) (*conversion.Artifact, error) {
	in, err := c.engine.ToIntermediate(ctx, graph, c.dir)
	if err != nil {
		return nil, err
	}
	return c.engine.ToBytecode(ctx, in, conversion.PrecisionFP32)
}
