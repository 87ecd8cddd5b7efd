package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// nativeEngines selects the in-process converters so no Python toolchain is
// needed.
func nativeEngines(t *testing.T) {
	t.Setenv("SEGCONVERT_COREML_ENGINE", "native")
	t.Setenv("SEGCONVERT_TFLITE_ENGINE", "native")
}

func TestFixtureInspectAndConvert(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "models", "model.onnx")
	nativeEngines(t)
	t.Setenv("SEGCONVERT_CONFIG", "")
	t.Setenv("SEGCONVERT_INPUT", model)
	t.Setenv("SEGCONVERT_OUTPUT_DIR", dir)
	t.Setenv("SEGCONVERT_LOGGER_LEVEL", "error")

	out, err := execute(t, "fixture", model, "--hidden", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Fixture written")

	out, err = execute(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ CoreML: all operators supported")
	assert.Contains(t, out, "✅ TFLite: all operators supported")

	_, err = execute(t, "all", "--parallel")
	require.NoError(t, err)
	for _, rel := range []string{
		"CoreML/SegFormerB0.mlmodel",
		"CoreML/SegFormerB0_FP16.mlmodel",
		"TFLite/segformer_tf/saved_model.pb",
		"TFLite/segformer_fp32.tflite",
		"TFLite/segformer_fp16.tflite",
	} {
		_, err := os.Stat(filepath.Join(dir, rel))
		assert.NoError(t, err, rel)
	}
}

func TestMissingInputFails(t *testing.T) {
	dir := t.TempDir()
	nativeEngines(t)
	t.Setenv("SEGCONVERT_CONFIG", "")
	t.Setenv("SEGCONVERT_INPUT", filepath.Join(dir, "absent.onnx"))
	t.Setenv("SEGCONVERT_OUTPUT_DIR", dir)
	t.Setenv("SEGCONVERT_LOGGER_LEVEL", "error")

	out, err := execute(t, "coreml")

	assert.Equal(t, conversion.KindInputNotFound, conversion.KindOf(err))
	assert.Contains(t, out, "❌ Conversion failed")
	_, statErr := os.Stat(filepath.Join(dir, "CoreML"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("SEGCONVERT_CONFIG", "")
	t.Setenv("SEGCONVERT_COREML_ENGINE", "remote")

	_, err := execute(t, "coreml")
	assert.Error(t, err)
}
