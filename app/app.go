// Package app - Wires configuration, engines and reporters into pipeline
// controllers and runs them.
package app

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/nvr-ai/segconvert/config"
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/engines"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/pipeline"
	"github.com/nvr-ai/segconvert/profiler"
	"github.com/nvr-ai/segconvert/quantize"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/nvr-ai/segconvert/verify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// App builds and runs the family pipelines described by a configuration.
type App struct {
	cfg      *config.Config
	fs       afero.Fs
	out      io.Writer
	runner   engines.Runner
	profiler *profiler.StageProfiler
}

// Option customizes an App.
type Option func(*App)

// WithRunner replaces the process runner used by exec engines.
func WithRunner(r engines.Runner) Option {
	return func(a *App) { a.runner = r }
}

// New creates an App.
//
// Arguments:
//   - cfg: The validated configuration.
//   - fs: The filesystem holding the input and receiving the outputs.
//   - out: Where console progress is printed.
//   - opts: Optional overrides.
//
// Returns:
//   - *App: The app.
func New(cfg *config.Config, fs afero.Fs, out io.Writer, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		fs:       fs,
		out:      out,
		runner:   engines.ExecRunner{},
		profiler: profiler.NewStageProfiler(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Profiler returns the profiler shared by every controller of the app.
func (a *App) Profiler() *profiler.StageProfiler {
	return a.profiler
}

// Controller builds the pipeline controller of one family.
//
// Arguments:
//   - family: The target family.
//   - reporter: Receives console progress.
//
// Returns:
//   - *pipeline.Controller: The controller.
//   - error: A MissingDependencyError if a configured engine or runtime
//     cannot be constructed.
func (a *App) Controller(family conversion.Family, reporter pipeline.Reporter) (*pipeline.Controller, error) {
	verifier, err := a.verifier()
	if err != nil {
		return nil, err
	}

	args := pipeline.NewArgs{
		FS:       a.fs,
		Verifier: verifier,
		Reporter: reporter,
		Profiler: a.profiler,
		Options: pipeline.Options{
			Input:    a.cfg.Input,
			Strict:   a.cfg.Verify.Strict,
			Contract: conversion.DefaultContract(),
		},
	}

	switch family {
	case conversion.FamilyCoreML:
		engine, err := a.coremlEngine()
		if err != nil {
			return nil, err
		}
		args.Converter = pipeline.NewCoreMLConverter(engine, a.cfg.CoreML.DeploymentTarget)
		args.Quantizer = quantize.New(a.fs, quantize.CoreMLPolicy{})
		args.Options.Dir = a.cfg.CoreMLDir()
		args.Options.FP32Name = config.CoreMLFP32Name
		args.Options.FP16Name = config.CoreMLFP16Name
	case conversion.FamilyTFLite:
		engine, err := a.tfliteEngine()
		if err != nil {
			return nil, err
		}
		args.Converter = pipeline.NewTFLiteConverter(engine, a.cfg.IntermediateDir())
		args.Quantizer = quantize.New(a.fs, quantize.NewTFLitePolicy(engine))
		args.Options.Dir = a.cfg.TFLiteDir()
		args.Options.FP32Name = config.TFLiteFP32Name
		args.Options.FP16Name = config.TFLiteFP16Name
	default:
		return nil, errors.Errorf("unknown target family %q", family)
	}

	return pipeline.New(args), nil
}

func (a *App) coremlEngine() (coreml.Engine, error) {
	if a.cfg.CoreML.Engine == config.EngineExec {
		e, err := engines.NewCoreMLEngine(a.fs, a.runner, a.cfg.CoreML.Command)
		if err == nil {
			e, err = e.WithCheck(a.cfg.CoreML.CheckCommand)
		}
		if err != nil {
			return nil, conversion.Wrap(conversion.KindMissingDependency, "app.Controller", err)
		}
		return e, nil
	}
	return coreml.NewNativeEngine(coreml.NativeOptions{AllowCustomLayers: a.cfg.CoreML.AllowCustomLayers}), nil
}

func (a *App) tfliteEngine() (tflite.Engine, error) {
	if a.cfg.TFLite.Engine == config.EngineExec {
		e, err := engines.NewTFLiteEngine(a.fs, a.runner, a.cfg.TFLite.IntermediateCommand, a.cfg.TFLite.BytecodeCommand)
		if err == nil {
			e, err = e.WithCheck(a.cfg.TFLite.CheckCommand)
		}
		if err != nil {
			return nil, conversion.Wrap(conversion.KindMissingDependency, "app.Controller", err)
		}
		return e, nil
	}
	return tflite.NewNativeEngine(a.fs), nil
}

func (a *App) verifier() (*verify.Verifier, error) {
	v := verify.NewVerifier(a.fs)
	if a.cfg.Verify.Runtime == "" || a.cfg.Verify.Runtime == verify.RuntimeStatic {
		return v, nil
	}
	r, err := verify.NewRuntime(a.cfg.Verify.Runtime, a.fs, a.cfg.Verify.SampleImage)
	if err != nil {
		return nil, err
	}
	return v.WithRuntime(conversion.FamilyTFLite, r), nil
}

// Run converts the input for one family.
//
// Arguments:
//   - ctx: Checked between stages.
//   - family: The target family.
//
// Returns:
//   - *pipeline.Report: The run report, nil if the controller could not be
//     built.
//   - error: The classified error that failed the run.
func (a *App) Run(ctx context.Context, family conversion.Family) (*pipeline.Report, error) {
	reporter := pipeline.NewConsoleReporter(a.out)
	c, err := a.Controller(family, reporter)
	if err != nil {
		a.failed(family, err)
		return nil, err
	}
	a.probe()
	return c.Run(ctx)
}

// RunAll converts the input for every family over one shared graph.
// Families run one after the other unless parallel is set. Sequentially a
// failing family does not stop the others; in parallel the first failure
// cancels the families still running.
//
// Arguments:
//   - ctx: Checked between stages.
//   - parallel: Run families concurrently.
//
// Returns:
//   - []*pipeline.Report: One report per family that ran.
//   - error: The first family error.
func (a *App) RunAll(ctx context.Context, parallel bool) ([]*pipeline.Report, error) {
	buffers := make([]*bytes.Buffer, len(conversion.Families))
	controllers := make([]*pipeline.Controller, len(conversion.Families))
	for i, family := range conversion.Families {
		var w io.Writer = a.out
		if parallel {
			buffers[i] = &bytes.Buffer{}
			w = buffers[i]
		}
		c, err := a.Controller(family, pipeline.NewConsoleReporter(w))
		if err != nil {
			a.failed(family, err)
			return nil, err
		}
		if err := c.Available(); err != nil {
			a.failed(family, err)
			return nil, err
		}
		controllers[i] = c
	}

	g, err := onnx.Load(a.fs, a.cfg.Input)
	if err != nil {
		a.failed("", err)
		return nil, err
	}
	a.probe()

	reports := make([]*pipeline.Report, len(controllers))
	errs := make([]error, len(controllers))
	if parallel {
		var mu sync.Mutex
		group, gctx := errgroup.WithContext(ctx)
		for i, c := range controllers {
			group.Go(func() error {
				reports[i], errs[i] = c.RunGraph(gctx, g)
				mu.Lock()
				defer mu.Unlock()
				if _, err := io.Copy(a.out, buffers[i]); err != nil {
					log.WithError(err).Warn("Failed to print progress")
				}
				return errs[i]
			})
		}
		// Wait returns the first failure, not the cancellations it caused.
		if err := group.Wait(); err != nil {
			a.summary()
			return reports, err
		}
	} else {
		for i, c := range controllers {
			reports[i], errs[i] = c.RunGraph(ctx, g)
		}
	}

	a.summary()
	for _, err := range errs {
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (a *App) summary() {
	for _, line := range a.profiler.Summary() {
		log.Debug(line)
	}
}

// probe cross-checks the input signature with ONNX Runtime when a library is
// configured. Failures are logged only.
func (a *App) probe() {
	if a.cfg.ONNXRuntime.Library == "" {
		return
	}
	p := onnx.NewProbe(a.cfg.ONNXRuntime.Library)
	sig, err := p.Inspect(a.cfg.Input)
	if err != nil {
		log.WithError(err).Warn("ONNX Runtime probe failed")
		return
	}
	log.WithFields(log.Fields{
		"inputs":  sig.Inputs,
		"outputs": sig.Outputs,
	}).Info("ONNX Runtime probe")
}

// failed reports an error raised before any controller ran.
func (a *App) failed(family conversion.Family, err error) {
	log.WithFields(log.Fields{
		"family":     family,
		"error_kind": conversion.KindOf(err),
	}).WithError(err).Error("Conversion failed")

	r := &pipeline.Report{
		Family:    family,
		Input:     a.cfg.Input,
		State:     pipeline.StateFailed,
		ErrorKind: conversion.KindOf(err),
		Error:     err.Error(),
	}
	pipeline.NewConsoleReporter(a.out).Finish(r)
}
