package engines

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/onnx"
	sm "github.com/nvr-ai/segconvert/savedmodel"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner records invocations and lets each test decide what the
// "process" writes and prints.
type mockRunner struct {
	missing map[string]bool
	calls   [][]string
	run     func(name string, args []string) (stderr string, err error)
}

func (m *mockRunner) LookPath(file string) (string, error) {
	if m.missing[file] {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/bin/" + file, nil
}

func (m *mockRunner) Run(_ context.Context, name string, args []string) ([]byte, []byte, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	if m.run == nil {
		return nil, nil, nil
	}
	stderr, err := m.run(name, args)
	return nil, []byte(stderr), err
}

func fixtureGraph(t *testing.T) *onnx.ModelGraph {
	t.Helper()
	g, err := onnx.Decode(onnx.Fixture(onnx.FixtureOptions{Hidden: 4}), nil)
	require.NoError(t, err)
	g.Path = "/models/model.onnx"
	return g
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("  python3 convert.py {input}  --out={output} ")
	require.NoError(t, err)
	assert.Equal(t, "python3", cmd.Name)
	assert.Equal(t, []string{"convert.py", "{input}", "--out={output}"}, cmd.Args)
	assert.Equal(t, []string{"convert.py", "/a.onnx", "--out=/b"},
		cmd.Expand(map[string]string{PlaceholderInput: "/a.onnx", PlaceholderOutput: "/b"}))

	_, err = ParseCommand("   ")
	assert.Error(t, err)
}

func TestUnsupportedOps(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   []string
	}{
		{
			name:   "onnx-coreml",
			stderr: "TypeError: Error while converting op of type: Erf. Error message: Erf is not supported.",
			want:   []string{"Erf"},
		},
		{
			name:   "onnx-tf",
			stderr: "BackendIsNotSupposedToImplementIt: LayerNormalization is not implemented.",
			want:   []string{"LayerNormalization"},
		},
		{
			name:   "list",
			stderr: "RuntimeError: Unsupported ONNX ops: 'Gelu'\nunsupported operator Erf",
			want:   []string{"Erf", "Gelu"},
		},
		{
			name:   "unrelated",
			stderr: "Segmentation fault (core dumped)",
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unsupportedOps([]byte(tt.stderr)))
		})
	}
}

func TestCoreMLEngineConvert(t *testing.T) {
	fs := afero.NewMemMapFs()
	g := fixtureGraph(t)
	model, err := coreml.NewNativeEngine(coreml.NativeOptions{}).Convert(context.Background(), g, "13")
	require.NoError(t, err)

	runner := &mockRunner{run: func(_ string, args []string) (string, error) {
		return "", afero.WriteFile(fs, args[1], model.Data, 0o644)
	}}
	e, err := NewCoreMLEngine(fs, runner, "onnx2coreml {input} {output} --target {target}")
	require.NoError(t, err)

	a, err := e.Convert(context.Background(), g, "")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/models/model.onnx", runner.calls[0][1])
	assert.Equal(t, "13", runner.calls[0][4])
	assert.Equal(t, conversion.TargetCoreMLFP32, a.Target)
	assert.Equal(t, model.Data, a.Data)
	assert.Equal(t, model.WeightCount, a.WeightCount)

	// The scratch directory is gone.
	exists, err := afero.Exists(fs, runner.calls[0][2])
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCoreMLEngineUnsupportedOperator(t *testing.T) {
	runner := &mockRunner{run: func(string, []string) (string, error) {
		return "Error while converting op of type: Erf", errors.New("exit status 1")
	}}
	e, err := NewCoreMLEngine(afero.NewMemMapFs(), runner, "onnx2coreml {input} {output}")
	require.NoError(t, err)

	_, err = e.Convert(context.Background(), fixtureGraph(t), "13")

	assert.Equal(t, conversion.KindUnsupportedOperator, conversion.KindOf(err))
}

func TestCoreMLEngineFailure(t *testing.T) {
	runner := &mockRunner{run: func(string, []string) (string, error) {
		return "killed", errors.New("signal: killed")
	}}
	e, err := NewCoreMLEngine(afero.NewMemMapFs(), runner, "onnx2coreml {input} {output}")
	require.NoError(t, err)

	_, err = e.Convert(context.Background(), fixtureGraph(t), "13")

	assert.Equal(t, conversion.KindConversion, conversion.KindOf(err))
	assert.Contains(t, err.Error(), "killed")
}

func TestCoreMLEngineRequiresSourcePath(t *testing.T) {
	e, err := NewCoreMLEngine(afero.NewMemMapFs(), &mockRunner{}, "onnx2coreml {input} {output}")
	require.NoError(t, err)
	g := fixtureGraph(t)
	g.Path = ""

	_, err = e.Convert(context.Background(), g, "13")

	assert.Equal(t, conversion.KindConversion, conversion.KindOf(err))
}

func TestAvailableReportsMissingDependency(t *testing.T) {
	runner := &mockRunner{missing: map[string]bool{"tflite_convert": true}}

	c, err := NewCoreMLEngine(afero.NewMemMapFs(), runner, "onnx2coreml {input} {output}")
	require.NoError(t, err)
	assert.NoError(t, c.Available())

	tf, err := NewTFLiteEngine(afero.NewMemMapFs(), runner, "onnx-tf convert -i {input} -o {output}", "tflite_convert {input} {output}")
	require.NoError(t, err)
	assert.Equal(t, conversion.KindMissingDependency, conversion.KindOf(tf.Available()))
}

func TestTFLiteEngineStages(t *testing.T) {
	fs := afero.NewMemMapFs()
	native := tflite.NewNativeEngine(fs)
	g := fixtureGraph(t)

	runner := &mockRunner{run: func(name string, args []string) (string, error) {
		switch name {
		case "onnx-tf":
			_, err := native.ToIntermediate(context.Background(), g, args[1])
			return "", err
		default:
			precision := conversion.Precision(strings.ToUpper(args[2]))
			a, err := native.ToBytecode(context.Background(), &tflite.Intermediate{Dir: args[0]}, precision)
			if err != nil {
				return "", err
			}
			return "", afero.WriteFile(fs, args[1], a.Data, 0o644)
		}
	}}
	e, err := NewTFLiteEngine(fs, runner, "onnx-tf {input} {output}", "tflite_convert {input} {output} {precision}")
	require.NoError(t, err)

	in, err := e.ToIntermediate(context.Background(), g, "/out/segformer_tf")
	require.NoError(t, err)
	assert.Nil(t, in.Model)
	assert.True(t, sm.Exists(fs, "/out/segformer_tf"))

	a, err := e.ToBytecode(context.Background(), in, conversion.PrecisionFP32)
	require.NoError(t, err)
	assert.Equal(t, "fp32", runner.calls[1][3])
	assert.Equal(t, conversion.TargetTFLiteFP32, a.Target)
	assert.Equal(t, "/out/segformer_tf", a.Intermediate)
	assert.Positive(t, a.WeightCount)
}

func TestTFLiteEngineBytecode(t *testing.T) {
	fs := afero.NewMemMapFs()
	native := tflite.NewNativeEngine(fs)
	in, err := native.ToIntermediate(context.Background(), fixtureGraph(t), "/out/segformer_tf")
	require.NoError(t, err)
	want, err := native.ToBytecode(context.Background(), in, conversion.PrecisionFP16)
	require.NoError(t, err)

	runner := &mockRunner{run: func(_ string, args []string) (string, error) {
		return "", afero.WriteFile(fs, args[1], want.Data, 0o644)
	}}
	e, err := NewTFLiteEngine(fs, runner, "onnx-tf {input} {output}", "tflite_convert {input} {output} {precision}")
	require.NoError(t, err)

	a, err := e.ToBytecode(context.Background(), &tflite.Intermediate{Dir: in.Dir}, conversion.PrecisionFP16)
	require.NoError(t, err)

	assert.Equal(t, conversion.TargetTFLiteFP16, a.Target)
	assert.Equal(t, in.Dir, a.Intermediate)
	assert.Equal(t, want.Data, a.Data)
	assert.Equal(t, want.WeightCount, a.WeightCount)
}

func TestTFLiteEngineRemovesPartialIntermediate(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/out/segformer_tf"
	runner := &mockRunner{run: func(_ string, args []string) (string, error) {
		require.NoError(t, fs.MkdirAll(filepath.Join(args[1], sm.VariablesDir), 0o755))
		return "BackendIsNotSupposedToImplementIt: Erf is not implemented.", errors.New("exit status 1")
	}}
	e, err := NewTFLiteEngine(fs, runner, "onnx-tf {input} {output}", "tflite_convert {input} {output}")
	require.NoError(t, err)

	_, err = e.ToIntermediate(context.Background(), fixtureGraph(t), dir)

	assert.Equal(t, conversion.KindUnsupportedOperator, conversion.KindOf(err))
	exists, err := afero.DirExists(fs, dir)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTFLiteEngineRequiresSavedModel(t *testing.T) {
	e, err := NewTFLiteEngine(afero.NewMemMapFs(), &mockRunner{}, "onnx-tf {input} {output}", "tflite_convert {input} {output}")
	require.NoError(t, err)

	_, err = e.ToIntermediate(context.Background(), fixtureGraph(t), "/out/segformer_tf")

	assert.Equal(t, conversion.KindIntermediateConversion, conversion.KindOf(err))
}

func TestDefaultCommandsUseBundledScripts(t *testing.T) {
	fs := afero.NewMemMapFs()
	var scripts []string
	runner := &mockRunner{run: func(_ string, args []string) (string, error) {
		data, err := afero.ReadFile(fs, args[0])
		require.NoError(t, err, args[0])
		assert.Contains(t, string(data), "#!/usr/bin/env python3")
		scripts = append(scripts, filepath.Base(args[0]))
		return "", nil
	}}

	c, err := NewCoreMLEngine(fs, runner, DefaultCoreMLCommand)
	require.NoError(t, err)
	c, err = c.WithCheck(DefaultCoreMLCheck)
	require.NoError(t, err)
	require.NoError(t, c.Available())

	tf, err := NewTFLiteEngine(fs, runner, DefaultIntermediateCommand, DefaultBytecodeCommand)
	require.NoError(t, err)
	tf, err = tf.WithCheck(DefaultTFLiteCheck)
	require.NoError(t, err)
	require.NoError(t, tf.Available())

	assert.Equal(t, []string{"check_modules.py", "check_modules.py"}, scripts)
	assert.Equal(t, []string{"onnx", "onnx_tf", "tensorflow"}, runner.calls[1][2:])

	// Helpers only live for the duration of a command.
	exists, err := afero.Exists(fs, runner.calls[0][1])
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAvailableRunsCheck(t *testing.T) {
	tests := []struct {
		name    string
		stderr  string
		err     error
		missing map[string]bool
		want    string
	}{
		{name: "passes"},
		{
			name:   "missing modules",
			stderr: "missing python module: onnx_tf\nmissing python module: tensorflow\n",
			err:    errors.New("exit status 3"),
			want:   "missing Python modules: onnx_tf, tensorflow",
		},
		{
			name: "check fails",
			err:  errors.New("exit status 1"),
			want: "TFLite toolchain check",
		},
		{
			name:    "interpreter not found",
			missing: map[string]bool{"python3": true},
			want:    `TFLite converter "python3" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{missing: tt.missing, run: func(string, []string) (string, error) {
				return tt.stderr, tt.err
			}}
			e, err := NewTFLiteEngine(afero.NewMemMapFs(), runner, "onnx-tf {input} {output}", "tflite_convert {input} {output}")
			require.NoError(t, err)
			e, err = e.WithCheck(DefaultTFLiteCheck)
			require.NoError(t, err)

			err = e.Available()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, conversion.KindMissingDependency, conversion.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMissingModuleDuringConversion(t *testing.T) {
	runner := &mockRunner{run: func(string, []string) (string, error) {
		return "missing python module: onnx_coreml", errors.New("exit status 3")
	}}
	e, err := NewCoreMLEngine(afero.NewMemMapFs(), runner, DefaultCoreMLCommand)
	require.NoError(t, err)

	_, err = e.Convert(context.Background(), fixtureGraph(t), "13")

	assert.Equal(t, conversion.KindMissingDependency, conversion.KindOf(err))
	assert.Contains(t, err.Error(), "onnx_coreml")
}

func TestWithEmptyCheckSkipsIt(t *testing.T) {
	runner := &mockRunner{run: func(string, []string) (string, error) {
		return "", errors.New("should not run")
	}}
	e, err := NewCoreMLEngine(afero.NewMemMapFs(), runner, "onnx2coreml {input} {output}")
	require.NoError(t, err)
	e, err = e.WithCheck("  ")
	require.NoError(t, err)

	assert.NoError(t, e.Available())
	assert.Empty(t, runner.calls)
}
