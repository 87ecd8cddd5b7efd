package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/quantize"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/nvr-ai/segconvert/verify"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const input = "/models/segformer/model.onnx"

func writeFixture(t *testing.T, fs afero.Fs, opts onnx.FixtureOptions) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, input, onnx.Fixture(opts), 0o644))
}

func coremlController(fs afero.Fs, reporter Reporter) *Controller {
	return New(NewArgs{
		FS: fs,
		Options: Options{
			Input:    input,
			Dir:      "/out/CoreML",
			FP32Name: "SegFormerB0.mlmodel",
			FP16Name: "SegFormerB0_FP16.mlmodel",
			Strict:   true,
		},
		Converter: NewCoreMLConverter(coreml.NewNativeEngine(coreml.NativeOptions{}), ""),
		Quantizer: quantize.New(fs, quantize.CoreMLPolicy{}),
		Verifier:  verify.NewVerifier(fs),
		Reporter:  reporter,
	})
}

func tfliteController(fs afero.Fs) *Controller {
	engine := tflite.NewNativeEngine(fs)
	return New(NewArgs{
		FS: fs,
		Options: Options{
			Input:    input,
			Dir:      "/out/TFLite",
			FP32Name: "segformer_fp32.tflite",
			FP16Name: "segformer_fp16.tflite",
			Strict:   true,
		},
		Converter: NewTFLiteConverter(engine, "/out/TFLite/segformer_tf"),
		Quantizer: quantize.New(fs, quantize.NewTFLitePolicy(engine)),
		Verifier:  verify.NewVerifier(fs),
	})
}

// unavailable is a converter whose engine is missing.
type unavailable struct{}

func (unavailable) Family() conversion.Family { return conversion.FamilyCoreML }
func (unavailable) Engine() string { return "exec" }
func (unavailable) Available() error {
	return conversion.Errorf(conversion.KindMissingDependency, "engines.Available", "converter not on PATH")
}
func (unavailable) Convert(context.Context, *onnx.ModelGraph) (*conversion.Artifact, error) {
	panic("convert called on an unavailable engine")
}

// failingVerifier reports a contract violation for every artifact.
type failingVerifier struct{}

func (failingVerifier) Verify(_ context.Context, a *conversion.Artifact, _ conversion.TensorContract) (*conversion.VerificationReport, error) {
	return &conversion.VerificationReport{
		Target:     a.Target,
		Runtime:    "fake",
		Mismatches: []string{"output: shape [1 150 128 128], want [512 512]"},
	}, nil
}

func TestMissingInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := coremlController(fs, nil)

	report, err := c.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, conversion.KindInputNotFound, conversion.KindOf(err))
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, conversion.KindInputNotFound, report.ErrorKind)
	assert.Empty(t, report.Artifacts)
	assert.Empty(t, report.Path)

	exists, err := afero.DirExists(fs, "/out/CoreML")
	require.NoError(t, err)
	assert.False(t, exists)

	results := c.Results()
	require.Len(t, results, 1)
	assert.Equal(t, StageLoad, results[0].Stage)
	assert.False(t, results[0].OK())
}

func TestCoreMLPipeline(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{})
	c := coremlController(fs, nil)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReported, c.State())
	assert.True(t, report.Succeeded())
	require.Len(t, report.Artifacts, 2)
	assert.Equal(t, "/out/CoreML/SegFormerB0.mlmodel", report.Artifacts[0].Path)
	assert.Equal(t, conversion.TargetCoreMLFP32, report.Artifacts[0].Target)
	assert.Equal(t, "/out/CoreML/SegFormerB0_FP16.mlmodel", report.Artifacts[1].Path)
	assert.Equal(t, conversion.TargetCoreMLFP16, report.Artifacts[1].Target)

	assert.Less(t, report.Artifacts[1].Size, report.Artifacts[0].Size)
	assert.Greater(t, report.CompressionRatio, 0.0)
	assert.Less(t, report.CompressionRatio, 1.0)
	assert.Equal(t, report.Artifacts[0].WeightCount, report.Quantization.Converted)

	for _, a := range report.Artifacts {
		data, err := afero.ReadFile(fs, a.Path)
		require.NoError(t, err)
		assert.Equal(t, a.Size, int64(len(data)))
	}

	require.Len(t, report.Verification, 2)
	for _, v := range report.Verification {
		assert.True(t, v.Passed, v.Mismatches)
	}

	stages := make([]Stage, 0, len(c.Results()))
	for _, r := range c.Results() {
		assert.True(t, r.OK())
		stages = append(stages, r.Stage)
	}
	assert.Equal(t, []Stage{StageLoad, StageConvert, StageQuantize, StageVerify, StagePersist, StageReport}, stages)
}

func TestTFLitePipeline(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{})
	c := tfliteController(fs)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/out/TFLite/segformer_tf", report.Intermediate)
	exists, err := afero.Exists(fs, "/out/TFLite/segformer_tf/saved_model.pb")
	require.NoError(t, err)
	assert.True(t, exists)

	fp32, ok := report.Artifact(conversion.TargetTFLiteFP32)
	require.True(t, ok)
	fp16, ok := report.Artifact(conversion.TargetTFLiteFP16)
	require.True(t, ok)
	assert.Equal(t, "/out/TFLite/segformer_fp32.tflite", fp32.Path)
	assert.Equal(t, "/out/TFLite/segformer_fp16.tflite", fp16.Path)
	assert.Less(t, fp16.Size, fp32.Size)

	// The persisted FP16 flat-buffer satisfies the tensor contract.
	v, err := verify.NewVerifier(fs).Verify(context.Background(),
		&conversion.Artifact{Path: fp16.Path, Target: fp16.Target}, conversion.DefaultContract())
	require.NoError(t, err)
	assert.True(t, v.Passed, v.Mismatches)
	assert.Equal(t, []int64{1, 512, 512, 3}, v.Input.Shape)
	assert.Equal(t, []int64{1, 512, 512}, v.Output.Shape)
}

func TestUnsupportedOperator(t *testing.T) {
	tests := []struct {
		name       string
		controller func(afero.Fs) *Controller
		dir        string
	}{
		{name: "coreml", controller: func(fs afero.Fs) *Controller { return coremlController(fs, nil) }, dir: "/out/CoreML"},
		{name: "tflite", controller: tfliteController, dir: "/out/TFLite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFixture(t, fs, onnx.FixtureOptions{Hidden: 4, ExtraOps: []string{"Erf"}})
			c := tt.controller(fs)

			report, err := c.Run(context.Background())

			require.Error(t, err)
			assert.Equal(t, conversion.KindUnsupportedOperator, conversion.KindOf(err))
			var unsupported *conversion.UnsupportedOperatorError
			require.True(t, errors.As(err, &unsupported))
			assert.Equal(t, []string{"Erf"}, unsupported.Ops)

			assert.Equal(t, StateFailed, c.State())
			assert.Empty(t, report.Artifacts)

			files, err := afero.ReadDir(fs, tt.dir)
			require.NoError(t, err)
			names := make([]string, 0, len(files))
			for _, f := range files {
				names = append(names, f.Name())
			}
			assert.Equal(t, []string{ReportFile}, names)

			data, err := afero.ReadFile(fs, report.Path)
			require.NoError(t, err)
			var saved Report
			require.NoError(t, json.Unmarshal(data, &saved))
			assert.Equal(t, StateFailed, saved.State)
			assert.Equal(t, conversion.KindUnsupportedOperator, saved.ErrorKind)
		})
	}
}

func TestMissingDependency(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{Hidden: 4})
	c := New(NewArgs{
		FS:        fs,
		Options:   Options{Input: input, Dir: "/out/CoreML"},
		Converter: unavailable{},
	})

	report, err := c.Run(context.Background())

	assert.Equal(t, conversion.KindMissingDependency, conversion.KindOf(err))
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, c.Results())
	exists, _ := afero.DirExists(fs, "/out/CoreML")
	assert.False(t, exists)
}

func TestVerificationPolicy(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
	}{
		{name: "strict", strict: true},
		{name: "lenient", strict: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFixture(t, fs, onnx.FixtureOptions{Hidden: 4})
			c := New(NewArgs{
				FS: fs,
				Options: Options{
					Input:    input,
					Dir:      "/out/CoreML",
					FP32Name: "a.mlmodel",
					FP16Name: "b.mlmodel",
					Strict:   tt.strict,
				},
				Converter: NewCoreMLConverter(coreml.NewNativeEngine(coreml.NativeOptions{}), "13"),
				Quantizer: quantize.New(fs, quantize.CoreMLPolicy{}),
				Verifier:  failingVerifier{},
			})

			report, err := c.Run(context.Background())

			if tt.strict {
				assert.Equal(t, conversion.KindVerification, conversion.KindOf(err))
				assert.Equal(t, StateFailed, report.State)
				assert.Empty(t, report.Artifacts)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateReported, report.State)
			assert.Len(t, report.Warnings, 2)
			assert.Len(t, report.Artifacts, 2)
		})
	}
}

func TestIdempotentRuns(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{Hidden: 8})

	first, err := coremlController(fs, nil).Run(context.Background())
	require.NoError(t, err)
	firstData := map[string][]byte{}
	for _, a := range first.Artifacts {
		firstData[a.Path], err = afero.ReadFile(fs, a.Path)
		require.NoError(t, err)
	}

	second, err := coremlController(fs, nil).Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, len(first.Artifacts), len(second.Artifacts))
	for i, a := range second.Artifacts {
		assert.Equal(t, first.Artifacts[i].Size, a.Size)
		data, err := afero.ReadFile(fs, a.Path)
		require.NoError(t, err)
		assert.Equal(t, firstData[a.Path], data)
	}
	assert.Equal(t, first.CompressionRatio, second.CompressionRatio)
}

func TestRunGraphSharesGraph(t *testing.T) {
	fs := afero.NewMemMapFs()
	g, err := onnx.Decode(onnx.Fixture(onnx.FixtureOptions{}), nil)
	require.NoError(t, err)

	for _, c := range []*Controller{coremlController(fs, nil), tfliteController(fs)} {
		report, err := c.RunGraph(context.Background(), g)
		require.NoError(t, err)
		assert.True(t, report.Succeeded())
		assert.Equal(t, StageConvert, c.Results()[0].Stage)
	}
}

func TestCancelledRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{Hidden: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := coremlController(fs, nil)
	_, err := c.Run(ctx)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, c.State())
}

func TestPersistFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	writeFixture(t, base, onnx.FixtureOptions{Hidden: 4})
	c := coremlController(afero.NewReadOnlyFs(base), nil)

	report, err := c.Run(context.Background())

	assert.Equal(t, conversion.KindPersist, conversion.KindOf(err))
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, report.Path)
}

func TestReportFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{})

	report, err := coremlController(fs, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/out/CoreML/"+ReportFile, report.Path)

	data, err := afero.ReadFile(fs, report.Path)
	require.NoError(t, err)
	var saved Report
	require.NoError(t, json.Unmarshal(data, &saved))

	assert.Equal(t, report.RunID, saved.RunID)
	assert.Equal(t, conversion.FamilyCoreML, saved.Family)
	assert.Equal(t, "native", saved.Engine)
	assert.Equal(t, StateReported, saved.State)
	assert.Len(t, saved.Artifacts, 2)
	stages := make([]Stage, 0, len(saved.Stages))
	for _, st := range saved.Stages {
		stages = append(stages, st.Stage)
		assert.Empty(t, st.ErrorKind)
	}
	assert.Equal(t, []Stage{StageLoad, StageConvert, StageQuantize, StageVerify, StagePersist, StageReport}, stages)
	assert.Equal(t, saved.Stages, report.Stages)
	assert.GreaterOrEqual(t, saved.CompressionRatio, 0.0)
	assert.LessOrEqual(t, saved.CompressionRatio, 1.0)
	assert.Empty(t, saved.ErrorKind)
}

func TestConsoleReporter(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFixture(t, fs, onnx.FixtureOptions{})
	var out bytes.Buffer

	_, err := coremlController(fs, NewConsoleReporter(&out)).Run(context.Background())
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "📁 Input:  "+input)
	assert.Contains(t, text, "✅ FP16 model saved: /out/CoreML/SegFormerB0_FP16.mlmodel")
	assert.Contains(t, text, "📉 Compression: ")
	assert.Contains(t, text, "🎉 CONVERSION SUCCEEDED!")
	assert.Contains(t, text, "1. Copy SegFormerB0_FP16.mlmodel into Assets/StreamingAssets/")

	out.Reset()
	_, err = coremlController(afero.NewMemMapFs(), NewConsoleReporter(&out)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, out.String(), "❌ Conversion failed: InputNotFoundError")
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateLoaded, true},
		{StateIdle, StateConverted, false},
		{StateLoaded, StateConverted, true},
		{StateVerified, StatePersisted, true},
		{StatePersisted, StateReported, true},
		{StateQuantized, StateFailed, true},
		{StateReported, StateFailed, false},
		{StateFailed, StateIdle, false},
		{StateConverted, StateLoaded, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	m := machine{state: StateIdle}
	require.NoError(t, m.advance(StateLoaded))
	assert.Error(t, m.advance(StateVerified))
}
