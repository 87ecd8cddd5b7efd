package pipeline

import (
	"time"

	"github.com/nvr-ai/segconvert/conversion"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageLoad     Stage = "load"
	StageConvert  Stage = "convert"
	StageQuantize Stage = "quantize"
	StageVerify   Stage = "verify"
	StagePersist  Stage = "persist"
	StageReport   Stage = "report"
)

// reaches maps a stage to the state a successful run of it enters.
var reaches = map[Stage]State{
	StageLoad:     StateLoaded,
	StageConvert:  StateConverted,
	StageQuantize: StateQuantized,
	StageVerify:   StateVerified,
	StagePersist:  StatePersisted,
	StageReport:   StateReported,
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage    Stage
	Duration time.Duration
	// Err is nil on success and otherwise carries a classified error.
	Err error
}

// Kind returns the classification of the stage error, or "" on success.
func (r StageResult) Kind() conversion.Kind {
	return conversion.KindOf(r.Err)
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool {
	return r.Err == nil
}
