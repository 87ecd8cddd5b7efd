package quantize

import (
	"context"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/wire"
	"github.com/pkg/errors"
)

// CoreMLPolicy moves every float32 weight blob of a NeuralNetwork model into
// its float16 field. Layers, the description and metadata are untouched; the
// specification version is raised to the first one that reads float16
// weights.
type CoreMLPolicy struct{}

// Family returns coreml.
func (CoreMLPolicy) Family() conversion.Family {
	return conversion.FamilyCoreML
}

// Quantize rewrites the weights of a.
func (CoreMLPolicy) Quantize(ctx context.Context, a *conversion.Artifact) (*conversion.Artifact, Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, Stats{}, err
	}
	ok, err := coreml.HasNeuralNetwork(a.Data)
	if err != nil {
		return nil, Stats{}, errors.Wrap(err, "parse CoreML model")
	}
	if !ok {
		return nil, Stats{}, errors.New("only NeuralNetwork models carry quantizable weights")
	}

	var stats Stats
	data, err := coreml.MapWeights(a.Data, func(wp []byte) ([]byte, error) {
		return halfWeights(wp, &stats)
	})
	if err != nil {
		return nil, Stats{}, errors.Wrap(err, "rewrite weights")
	}
	if stats.Converted > 0 {
		if data, err = coreml.RaiseSpecVersion(data, coreml.MinFloat16SpecVersion); err != nil {
			return nil, Stats{}, errors.Wrap(err, "raise specification version")
		}
	}

	return conversion.NewArtifact(conversion.TargetCoreMLFP16, data, a.WeightCount), stats, nil
}

// halfWeights re-encodes one WeightParams message with its floatValue moved
// to float16Value.
func halfWeights(wp []byte, stats *Stats) ([]byte, error) {
	e := wire.NewEncoder()
	err := wire.Range(wp, func(f wire.Field) error {
		if f.Num != coreml.WeightFloatField {
			e.Raw(f.Raw)
			return nil
		}
		values, err := f.Float32s()
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}
		half, clamped := conversion.ToFloat16(values)
		stats.Converted += int64(len(values))
		stats.Clamped += clamped
		e.Blob(coreml.WeightFloat16Field, half)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
