package config

import (
	"testing"

	"github.com/nvr-ai/segconvert/engines"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := LoadFs(afero.NewMemMapFs())
	require.NoError(t, err)

	assert.Equal(t, DefaultInput, cfg.Input)
	assert.Equal(t, "CoreML", cfg.CoreMLDir())
	assert.Equal(t, "TFLite", cfg.TFLiteDir())
	assert.Equal(t, "TFLite/segformer_tf", cfg.IntermediateDir())
	assert.Equal(t, "13", cfg.CoreML.DeploymentTarget)
	assert.Equal(t, EngineExec, cfg.CoreML.Engine)
	assert.Equal(t, engines.DefaultCoreMLCommand, cfg.CoreML.Command)
	assert.Equal(t, engines.DefaultCoreMLCheck, cfg.CoreML.CheckCommand)
	assert.Equal(t, EngineExec, cfg.TFLite.Engine)
	assert.Equal(t, engines.DefaultIntermediateCommand, cfg.TFLite.IntermediateCommand)
	assert.Equal(t, engines.DefaultBytecodeCommand, cfg.TFLite.BytecodeCommand)
	assert.Equal(t, engines.DefaultTFLiteCheck, cfg.TFLite.CheckCommand)
	assert.True(t, cfg.Verify.Strict)
	assert.Equal(t, "static", cfg.Verify.Runtime)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "text", cfg.Logger.Format)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/segconvert.yaml", []byte(`
input: models/model.onnx
output_dir: /srv/out
coreml:
  deployment_target: "15"
  allow_custom_layers: true
verify:
  strict: false
logger:
  format: json
`), 0o644))
	t.Setenv(EnvConfigFile, "/etc/segconvert.yaml")
	t.Setenv("SEGCONVERT_LOGGER_LEVEL", "debug")
	t.Setenv("SEGCONVERT_TFLITE_DIR", "android")
	t.Setenv("SEGCONVERT_TFLITE_ENGINE", "native")

	cfg, err := LoadFs(fs)
	require.NoError(t, err)

	assert.Equal(t, "models/model.onnx", cfg.Input)
	assert.Equal(t, "/srv/out/CoreML", cfg.CoreMLDir())
	assert.Equal(t, "/srv/out/android", cfg.TFLiteDir())
	assert.Equal(t, "15", cfg.CoreML.DeploymentTarget)
	assert.True(t, cfg.CoreML.AllowCustomLayers)
	assert.False(t, cfg.Verify.Strict)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, EngineExec, cfg.CoreML.Engine)
	assert.Equal(t, EngineNative, cfg.TFLite.Engine)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv(EnvConfigFile, "/nowhere/segconvert.yaml")

	_, err := LoadFs(afero.NewMemMapFs())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Input:  "model.onnx",
			CoreML: CoreMLConfig{DeploymentTarget: "13", Engine: EngineNative},
			TFLite: TFLiteConfig{Engine: EngineNative},
			Verify: VerifyConfig{Runtime: "static"},
			Logger: LoggerConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty input", mutate: func(c *Config) { c.Input = "" }, wantErr: "input"},
		{name: "deployment target", mutate: func(c *Config) { c.CoreML.DeploymentTarget = "9" }, wantErr: "coreml.deployment_target"},
		{name: "coreml exec without command", mutate: func(c *Config) { c.CoreML.Engine = EngineExec }, wantErr: "coreml.command"},
		{
			name: "coreml exec with command",
			mutate: func(c *Config) {
				c.CoreML.Engine = EngineExec
				c.CoreML.Command = "onnx2coreml {input} {output}"
			},
		},
		{
			name: "tflite exec missing bytecode command",
			mutate: func(c *Config) {
				c.TFLite.Engine = EngineExec
				c.TFLite.IntermediateCommand = "onnx-tf convert -i {input} -o {output}"
			},
			wantErr: "tflite.bytecode_command",
		},
		{name: "unknown engine", mutate: func(c *Config) { c.TFLite.Engine = "cloud" }, wantErr: "tflite.engine"},
		{name: "unknown runtime", mutate: func(c *Config) { c.Verify.Runtime = "onnx" }, wantErr: "verify.runtime"},
		{name: "unknown level", mutate: func(c *Config) { c.Logger.Level = "loud" }, wantErr: "logger.level"},
		{name: "unknown format", mutate: func(c *Config) { c.Logger.Format = "xml" }, wantErr: "logger.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerApply(t *testing.T) {
	logger := log.New()

	require.NoError(t, LoggerConfig{Level: "warn", Format: "json"}.Apply(logger))
	assert.Equal(t, log.WarnLevel, logger.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, logger.Formatter)

	require.NoError(t, LoggerConfig{Level: "debug", Format: "text"}.Apply(logger))
	assert.IsType(t, &log.TextFormatter{}, logger.Formatter)

	assert.Error(t, LoggerConfig{Level: "nope"}.Apply(logger))
}
