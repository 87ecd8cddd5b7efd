package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/profiler"
	"github.com/nvr-ai/segconvert/quantize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Quantizer reduces an FP32 artifact to a lower precision.
type Quantizer interface {
	Quantize(ctx context.Context, a *conversion.Artifact, bitWidth int) (*conversion.Artifact, quantize.Stats, error)
}

// Verifier checks an artifact against the tensor contract.
type Verifier interface {
	Verify(ctx context.Context, a *conversion.Artifact, expected conversion.TensorContract) (*conversion.VerificationReport, error)
}

// Options is the explicit configuration of one family run.
type Options struct {
	// Input is the ONNX graph to convert.
	Input string
	// Dir is the family output directory.
	Dir string
	// FP32Name and FP16Name are the artifact file names inside Dir.
	FP32Name string
	FP16Name string
	// Strict fails the run when an artifact violates the contract. Otherwise
	// the mismatch is reported as a warning.
	Strict   bool
	Contract conversion.TensorContract
}

// NewArgs are the collaborators of a Controller.
type NewArgs struct {
	FS        afero.Fs
	Options   Options
	Converter Converter
	Quantizer Quantizer
	Verifier  Verifier
	// Reporter defaults to NopReporter.
	Reporter Reporter
	// Profiler may be shared between controllers. Defaults to a new one.
	Profiler *profiler.StageProfiler
}

// Controller runs the stages of one family in order and aborts at the first
// classified error.
type Controller struct {
	fs        afero.Fs
	opts      Options
	converter Converter
	quantizer Quantizer
	verifier  Verifier
	reporter  Reporter
	profiler  *profiler.StageProfiler

	machine machine
	results []StageResult
	report  *Report
	loaded  bool
	logger  *log.Entry
}

// New creates a controller.
//
// Arguments:
//   - args: The collaborators and options.
//
// Returns:
//   - *Controller: A controller in the Idle state.
func New(args NewArgs) *Controller {
	if args.Reporter == nil {
		args.Reporter = NopReporter{}
	}
	if args.Profiler == nil {
		args.Profiler = profiler.NewStageProfiler()
	}
	if args.Options.Contract.Input.Shape == nil {
		args.Options.Contract = conversion.DefaultContract()
	}
	return &Controller{
		fs:        args.FS,
		opts:      args.Options,
		converter: args.Converter,
		quantizer: args.Quantizer,
		verifier:  args.Verifier,
		reporter:  args.Reporter,
		profiler:  args.Profiler,
		machine:   machine{state: StateIdle},
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.machine.state
}

// Family returns the target family the controller converts to.
func (c *Controller) Family() conversion.Family {
	return c.converter.Family()
}

// Available checks the converter up front.
//
// Returns:
//   - error: A MissingDependencyError if the engine cannot run.
func (c *Controller) Available() error {
	return conversion.Wrap(conversion.KindMissingDependency, "pipeline.Available", c.converter.Available())
}

// Results returns the results of the stages run so far.
func (c *Controller) Results() []StageResult {
	return append([]StageResult(nil), c.results...)
}

// Run loads the input graph and converts it.
//
// Arguments:
//   - ctx: Checked between stages; a running stage is never interrupted.
//
// Returns:
//   - *Report: The run report, also on failure.
//   - error: The classified error that failed the run.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.begin()
	if err := c.Available(); err != nil {
		return c.finish(err)
	}

	var g *onnx.ModelGraph
	err := c.stage(ctx, StageLoad, func() error {
		var err error
		g, err = onnx.Load(c.fs, c.opts.Input)
		return err
	})
	if err != nil {
		return c.finish(err)
	}
	c.reporter.Loaded(g)

	return c.convert(ctx, g)
}

// RunGraph converts an already loaded graph. The graph is only read, so
// several controllers may share it.
func (c *Controller) RunGraph(ctx context.Context, g *onnx.ModelGraph) (*Report, error) {
	c.begin()
	if err := c.Available(); err != nil {
		return c.finish(err)
	}
	if err := c.machine.advance(StateLoaded); err != nil {
		return c.finish(err)
	}
	return c.convert(ctx, g)
}

func (c *Controller) begin() {
	family := c.converter.Family()
	c.machine = machine{state: StateIdle}
	c.results = nil
	c.loaded = false
	c.report = &Report{
		RunID:     uuid.NewString(),
		Family:    family,
		Engine:    c.converter.Engine(),
		Input:     c.opts.Input,
		StartedAt: time.Now(),
		State:     StateIdle,
	}
	c.logger = log.WithFields(log.Fields{
		"run_id": c.report.RunID,
		"family": family,
	})
	c.reporter.Start(family, c.opts.Input, c.opts.Dir)
}

func (c *Controller) convert(ctx context.Context, g *onnx.ModelGraph) (*Report, error) {
	c.loaded = true
	var fp32, fp16 *conversion.Artifact

	err := c.stage(ctx, StageConvert, func() error {
		if err := c.fs.MkdirAll(c.opts.Dir, 0o755); err != nil {
			return conversion.Wrap(conversion.KindPersist, "pipeline.Convert", errors.Wrapf(err, "create %s", c.opts.Dir))
		}
		a, err := c.converter.Convert(ctx, g)
		if err != nil {
			return err
		}
		fp32 = a
		c.report.Intermediate = a.Intermediate
		return nil
	})
	if err != nil {
		return c.finish(err)
	}

	err = c.stage(ctx, StageQuantize, func() error {
		a, stats, err := c.quantizer.Quantize(ctx, fp32, quantize.SupportedBitWidth)
		if err != nil {
			return err
		}
		fp16 = a
		c.report.Quantization = stats
		c.report.CompressionRatio = quantize.CompressionRatio(fp32.Size, fp16.Size)
		return nil
	})
	if err != nil {
		return c.finish(err)
	}

	err = c.stage(ctx, StageVerify, func() error {
		for _, a := range []*conversion.Artifact{fp32, fp16} {
			if err := c.verify(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.finish(err)
	}

	err = c.stage(ctx, StagePersist, func() error {
		outputs := []struct {
			a    *conversion.Artifact
			name string
		}{{fp32, c.opts.FP32Name}, {fp16, c.opts.FP16Name}}

		for _, o := range outputs {
			saved, err := persist(c.fs, o.a, filepath.Join(c.opts.Dir, o.name))
			if err != nil {
				return err
			}
			c.report.Artifacts = append(c.report.Artifacts, entry(saved))
			c.profiler.RecordMetric(fmt.Sprintf("%s.size_bytes", saved.Target), float64(saved.Size))
			c.logger.WithFields(log.Fields{
				"target":     saved.Target,
				"path":       saved.Path,
				"size_bytes": saved.Size,
			}).Info("Artifact saved")
			c.reporter.Saved(saved)
		}
		c.reporter.Compression(c.report.CompressionRatio)
		return nil
	})
	if err != nil {
		return c.finish(err)
	}

	// The report stage lists itself, timed up to the write.
	started := time.Now()
	err = c.stage(ctx, StageReport, func() error {
		c.report.State = StateReported
		c.summarize(StageResult{Stage: StageReport, Duration: time.Since(started)})
		path, err := writeReport(c.fs, c.opts.Dir, c.report)
		if err != nil {
			return err
		}
		c.report.Path = path
		return nil
	})
	return c.finish(err)
}

func (c *Controller) verify(ctx context.Context, a *conversion.Artifact) error {
	v, err := c.verifier.Verify(ctx, a, c.opts.Contract)
	if err != nil {
		return err
	}
	c.report.Verification = append(c.report.Verification, v)
	c.reporter.Verified(v)
	if v.Passed {
		return nil
	}

	msg := fmt.Sprintf("%s violates the tensor contract: %s", a.Target, strings.Join(v.Mismatches, "; "))
	if c.opts.Strict {
		return conversion.Errorf(conversion.KindVerification, "pipeline.Verify", "%s", msg)
	}
	c.report.Warnings = append(c.report.Warnings, msg)
	c.logger.Warn(msg)
	c.reporter.Warning(msg)
	return nil
}

// stage runs fn as stage s and advances the state machine on success.
func (c *Controller) stage(ctx context.Context, s Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		err = errors.Wrapf(err, "run cancelled before %s", s)
		c.results = append(c.results, StageResult{Stage: s, Err: err})
		return err
	}

	c.reporter.Stage(c.converter.Family(), s)
	stop := c.profiler.StartOperation(fmt.Sprintf("%s.%s", c.converter.Family(), s))
	err := fn()
	d := stop()
	c.results = append(c.results, StageResult{Stage: s, Duration: d, Err: err})

	logger := c.logger.WithFields(log.Fields{
		"stage":       s,
		"duration_ms": d.Milliseconds(),
	})
	if err != nil {
		logger.WithField("error_kind", conversion.KindOf(err)).WithError(err).Error("Stage failed")
		return err
	}
	logger.Info("Stage complete")
	return c.machine.advance(reaches[s])
}

// summarize copies the stage results, followed by any still running, into
// the report.
func (c *Controller) summarize(running ...StageResult) {
	c.report.FinishedAt = time.Now()
	c.report.Stages = make([]StageTiming, 0, len(c.results)+len(running))
	for _, r := range append(c.results, running...) {
		c.report.Stages = append(c.report.Stages, timing(r))
	}
}

// finish records the outcome. A failed run that got past loading still
// leaves a report in the family directory when that directory exists.
func (c *Controller) finish(err error) (*Report, error) {
	if err == nil {
		c.reporter.Finish(c.report)
		return c.report, nil
	}

	if advErr := c.machine.advance(StateFailed); advErr != nil {
		c.logger.WithError(advErr).Warn("Failed run was already terminal")
	}
	c.report.State = StateFailed
	c.report.ErrorKind = conversion.KindOf(err)
	c.report.Error = err.Error()
	c.report.Path = ""
	c.summarize()

	c.logger.WithFields(log.Fields{
		"error_kind": c.report.ErrorKind,
		"state":      c.machine.state,
	}).WithError(err).Error("Conversion failed")

	if c.loaded && dirExists(c.fs, c.opts.Dir) {
		path, werr := writeReport(c.fs, c.opts.Dir, c.report)
		if werr != nil {
			c.logger.WithError(werr).Warn("Failed to write failure report")
		} else {
			c.report.Path = path
		}
	}

	c.reporter.Finish(c.report)
	return c.report, err
}
