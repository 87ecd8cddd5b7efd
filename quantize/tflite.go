package quantize

import (
	"context"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/pkg/errors"
)

// TFLitePolicy recompiles the artifact's SavedModel intermediate with float16
// constant storage.
type TFLitePolicy struct {
	engine tflite.Engine
}

// NewTFLitePolicy creates the policy over the engine that compiled the FP32
// artifact.
func NewTFLitePolicy(engine tflite.Engine) *TFLitePolicy {
	return &TFLitePolicy{engine: engine}
}

// Family returns tflite.
func (p *TFLitePolicy) Family() conversion.Family {
	return conversion.FamilyTFLite
}

// Quantize compiles a.Intermediate at FP16. Clamped counts come from the
// compiler; external toolchains do not report them.
func (p *TFLitePolicy) Quantize(ctx context.Context, a *conversion.Artifact) (*conversion.Artifact, Stats, error) {
	if a.Intermediate == "" {
		return nil, Stats{}, errors.Errorf("%s artifact records no intermediate to recompile", a.Target)
	}
	out, err := p.engine.ToBytecode(ctx, &tflite.Intermediate{Dir: a.Intermediate}, conversion.PrecisionFP16)
	if err != nil {
		return nil, Stats{}, errors.Wrap(err, "recompile at FP16")
	}
	info, err := tflite.Inspect(out.Data)
	if err != nil {
		return nil, Stats{}, errors.Wrap(err, "inspect FP16 model")
	}
	return out, Stats{Converted: info.Weights.Float16, Clamped: out.Clamped}, nil
}
