// Package quantize - FP32 to FP16 weight precision reduction for converted
// artifacts.
package quantize

import (
	"context"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// SupportedBitWidth is the only weight width the quantizer produces.
const SupportedBitWidth = 16

// Stats describes one quantization.
type Stats struct {
	// Converted is the number of weight elements stored at half precision.
	Converted int64 `json:"converted"`
	// Clamped is the number of finite weights beyond the float16 range.
	Clamped int64 `json:"clamped"`
}

// Policy quantizes artifacts of one target family.
type Policy interface {
	// Family is the target family the policy handles.
	Family() conversion.Family
	// Quantize produces the FP16 variant of an FP32 artifact whose payload is
	// loaded.
	Quantize(ctx context.Context, a *conversion.Artifact) (*conversion.Artifact, Stats, error)
}

// Quantizer dispatches to the policy of the artifact's family.
type Quantizer struct {
	fs       afero.Fs
	policies map[conversion.Family]Policy
}

// New creates a quantizer over the given policies.
//
// Arguments:
//   - fs: Used to reload artifacts whose payload is not in memory.
//   - policies: One policy per family.
//
// Returns:
//   - *Quantizer: The quantizer.
func New(fs afero.Fs, policies ...Policy) *Quantizer {
	q := &Quantizer{fs: fs, policies: make(map[conversion.Family]Policy, len(policies))}
	for _, p := range policies {
		q.policies[p.Family()] = p
	}
	return q
}

// Quantize reduces the artifact's weights to bitWidth bits.
//
// Arguments:
//   - ctx: Cancels a running quantization.
//   - a: The FP32 artifact.
//   - bitWidth: Must be 16.
//
// Returns:
//   - *conversion.Artifact: A new FP16 artifact; a is not modified.
//   - Stats: Converted and clamped element counts.
//   - error: A QuantizationError.
func (q *Quantizer) Quantize(ctx context.Context, a *conversion.Artifact, bitWidth int) (*conversion.Artifact, Stats, error) {
	const op = "quantize.Quantize"

	if bitWidth != SupportedBitWidth {
		return nil, Stats{}, conversion.Errorf(conversion.KindQuantization, op,
			"unsupported bit width %d, only %d is supported", bitWidth, SupportedBitWidth)
	}
	if a == nil {
		return nil, Stats{}, conversion.Errorf(conversion.KindQuantization, op, "no artifact to quantize")
	}
	if a.Target.Precision() != conversion.PrecisionFP32 {
		return nil, Stats{}, conversion.Errorf(conversion.KindQuantization, op, "%s is not an FP32 artifact", a.Target)
	}
	policy, ok := q.policies[a.Target.Family()]
	if !ok {
		return nil, Stats{}, conversion.Errorf(conversion.KindQuantization, op, "no quantization policy for %s", a.Target.Family())
	}

	src, err := q.load(a)
	if err != nil {
		return nil, Stats{}, classify(op, err)
	}
	out, stats, err := policy.Quantize(ctx, src)
	if err != nil {
		return nil, Stats{}, classify(op, err)
	}

	if src.WeightCount > 0 && out.Size > src.Size {
		return nil, Stats{}, conversion.Errorf(conversion.KindQuantization, op,
			"quantized %s is larger than its source: %d > %d bytes", out.Target, out.Size, src.Size)
	}

	entry := log.WithFields(log.Fields{
		"target":     out.Target,
		"converted":  stats.Converted,
		"size_bytes": out.Size,
		"ratio":      CompressionRatio(src.Size, out.Size),
	})
	if stats.Clamped > 0 {
		entry.WithField("clamped", stats.Clamped).Warn("weights exceeded the float16 range and were clamped")
	}
	entry.Debug("quantized artifact")

	return out, stats, nil
}

// load returns a with its payload in memory, reading it from a.Path if
// needed.
func (q *Quantizer) load(a *conversion.Artifact) (*conversion.Artifact, error) {
	if a.Data != nil {
		return a, nil
	}
	if a.Path == "" {
		return nil, errors.Errorf("%s artifact has neither data nor a path", a.Target)
	}
	data, err := afero.ReadFile(q.fs, a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "reload %s", a.Path)
	}
	c := *a
	c.Data = data
	c.Size = int64(len(data))
	return &c, nil
}

// classify reports every policy failure as a quantization failure while
// keeping the cause in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &conversion.Error{Kind: conversion.KindQuantization, Op: op, Err: err}
}

// CompressionRatio is 1 - quantized/original, the fraction of bytes saved.
// A zero original yields 0.
//
// Arguments:
//   - original: The FP32 size in bytes.
//   - quantized: The FP16 size in bytes.
//
// Returns:
//   - float64: The ratio.
func CompressionRatio(original, quantized int64) float64 {
	if original <= 0 {
		return 0
	}
	return 1 - float64(quantized)/float64(original)
}
