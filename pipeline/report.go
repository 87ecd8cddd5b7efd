package pipeline

import (
	"time"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/quantize"
)

// Report is the outcome of one pipeline run.
type Report struct {
	RunID      string            `json:"run_id"`
	Family     conversion.Family `json:"family"`
	Engine     string            `json:"engine"`
	Input      string            `json:"input"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	State      State             `json:"state"`

	// Artifacts lists persisted artifacts in the order they were written.
	Artifacts []ArtifactEntry `json:"artifacts"`
	// Intermediate is the SavedModel directory, TFLite only.
	Intermediate string `json:"intermediate,omitempty"`

	// CompressionRatio is 1 - FP16 size / FP32 size.
	CompressionRatio float64                          `json:"compression_ratio"`
	Quantization     quantize.Stats                   `json:"quantization"`
	Verification     []*conversion.VerificationReport `json:"verification,omitempty"`
	Warnings         []string                         `json:"warnings,omitempty"`

	Stages []StageTiming `json:"stages"`

	ErrorKind conversion.Kind `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Path is where the report itself was written, if anywhere.
	Path string `json:"-"`
}

// ArtifactEntry is one persisted artifact.
type ArtifactEntry struct {
	Path        string            `json:"path"`
	Size        int64             `json:"size_bytes"`
	Target      conversion.Target `json:"target"`
	WeightCount int64             `json:"weight_count"`
}

// StageTiming is the reported duration and outcome of one stage.
type StageTiming struct {
	Stage      Stage           `json:"stage"`
	DurationMS float64         `json:"duration_ms"`
	ErrorKind  conversion.Kind `json:"error_kind,omitempty"`
}

// Succeeded reports whether the run reached Reported.
func (r *Report) Succeeded() bool {
	return r.State == StateReported
}

// Artifact returns the persisted artifact for target.
func (r *Report) Artifact(target conversion.Target) (ArtifactEntry, bool) {
	for _, a := range r.Artifacts {
		if a.Target == target {
			return a, true
		}
	}
	return ArtifactEntry{}, false
}

func entry(a *conversion.Artifact) ArtifactEntry {
	return ArtifactEntry{Path: a.Path, Size: a.Size, Target: a.Target, WeightCount: a.WeightCount}
}

func timing(r StageResult) StageTiming {
	return StageTiming{
		Stage:      r.Stage,
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
		ErrorKind:  r.Kind(),
	}
}
