// Package config - Layered configuration: defaults, an optional
// segconvert.yaml, then SEGCONVERT_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/engines"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. SEGCONVERT_INPUT.
	EnvPrefix = "SEGCONVERT"
	// EnvConfigFile names an explicit configuration file.
	EnvConfigFile = EnvPrefix + "_CONFIG"
	// FileName is the configuration file looked up in the working directory.
	FileName = "segconvert"
)

// Engine names. The exec engines drive the external converter toolchains
// and are the default; the native engines cover a smaller operator set
// without any external dependency.
const (
	EngineNative = "native"
	EngineExec   = "exec"
)

// Artifact file names inside the family directories.
const (
	CoreMLFP32Name   = "SegFormerB0.mlmodel"
	CoreMLFP16Name   = "SegFormerB0_FP16.mlmodel"
	TFLiteFP32Name   = "segformer_fp32.tflite"
	TFLiteFP16Name   = "segformer_fp16.tflite"
	IntermediateName = "segformer_tf"
)

// DefaultInput is the exported SegFormer-B0 graph.
const DefaultInput = "optimum:segformer-b0-finetuned-ade-512-512/model.onnx"

// Config is the full configuration of a conversion run.
type Config struct {
	Input       string            `mapstructure:"input"`
	OutputDir   string            `mapstructure:"output_dir"`
	CoreML      CoreMLConfig      `mapstructure:"coreml"`
	TFLite      TFLiteConfig      `mapstructure:"tflite"`
	Verify      VerifyConfig      `mapstructure:"verify"`
	ONNXRuntime ONNXRuntimeConfig `mapstructure:"onnxruntime"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// CoreMLConfig configures the CoreML family.
type CoreMLConfig struct {
	Dir               string `mapstructure:"dir"`
	DeploymentTarget  string `mapstructure:"deployment_target"`
	AllowCustomLayers bool   `mapstructure:"allow_custom_layers"`
	Engine            string `mapstructure:"engine"`
	// Command is the converter command template for the exec engine.
	Command string `mapstructure:"command"`
	// CheckCommand confirms the exec engine's dependencies before a run.
	CheckCommand string `mapstructure:"check_command"`
}

// TFLiteConfig configures the TFLite family.
type TFLiteConfig struct {
	Dir                 string `mapstructure:"dir"`
	Engine              string `mapstructure:"engine"`
	IntermediateCommand string `mapstructure:"intermediate_command"`
	BytecodeCommand     string `mapstructure:"bytecode_command"`
	CheckCommand        string `mapstructure:"check_command"`
}

// VerifyConfig configures artifact verification.
type VerifyConfig struct {
	// Strict fails the run on a contract mismatch.
	Strict      bool   `mapstructure:"strict"`
	Runtime     string `mapstructure:"runtime"`
	SampleImage string `mapstructure:"sample_image"`
}

// ONNXRuntimeConfig locates the optional ONNX Runtime library used to probe
// input graphs.
type ONNXRuntimeConfig struct {
	Library string `mapstructure:"library"`
}

// LoggerConfig configures logrus.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input", DefaultInput)
	v.SetDefault("output_dir", ".")
	v.SetDefault("coreml.dir", "CoreML")
	v.SetDefault("coreml.deployment_target", coreml.DefaultDeploymentTarget)
	v.SetDefault("coreml.allow_custom_layers", false)
	v.SetDefault("coreml.engine", EngineExec)
	v.SetDefault("coreml.command", engines.DefaultCoreMLCommand)
	v.SetDefault("coreml.check_command", engines.DefaultCoreMLCheck)
	v.SetDefault("tflite.dir", "TFLite")
	v.SetDefault("tflite.engine", EngineExec)
	v.SetDefault("tflite.intermediate_command", engines.DefaultIntermediateCommand)
	v.SetDefault("tflite.bytecode_command", engines.DefaultBytecodeCommand)
	v.SetDefault("tflite.check_command", engines.DefaultTFLiteCheck)
	v.SetDefault("verify.strict", true)
	v.SetDefault("verify.runtime", "static")
	v.SetDefault("verify.sample_image", "")
	v.SetDefault("onnxruntime.library", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
}

// Load reads the configuration from the OS filesystem and environment.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: An error if the configuration file is unreadable or a value is
//     invalid.
func Load() (*Config, error) {
	return LoadFs(afero.NewOsFs())
}

// LoadFs reads the configuration file from fs.
//
// Arguments:
//   - fs: The filesystem holding the configuration file.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: An error if the configuration file is unreadable or a value is
//     invalid.
func LoadFs(fs afero.Fs) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if used := v.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Debug("Loaded configuration file")
	}
	return cfg, nil
}

// Validate checks enumerated values and engine commands.
func (c *Config) Validate() error {
	if c.Input == "" {
		return errors.New("input must not be empty")
	}
	if _, err := coreml.SpecVersion(c.CoreML.DeploymentTarget); err != nil {
		return errors.Wrap(err, "coreml.deployment_target")
	}

	switch c.CoreML.Engine {
	case EngineNative:
	case EngineExec:
		if c.CoreML.Command == "" {
			return errors.New("coreml.command is required for the exec engine")
		}
	default:
		return errors.Errorf("coreml.engine: unknown engine %q", c.CoreML.Engine)
	}

	switch c.TFLite.Engine {
	case EngineNative:
	case EngineExec:
		if c.TFLite.IntermediateCommand == "" || c.TFLite.BytecodeCommand == "" {
			return errors.New("tflite.intermediate_command and tflite.bytecode_command are required for the exec engine")
		}
	default:
		return errors.Errorf("tflite.engine: unknown engine %q", c.TFLite.Engine)
	}

	switch c.Verify.Runtime {
	case "static", "tflite":
	default:
		return errors.Errorf("verify.runtime: unknown runtime %q", c.Verify.Runtime)
	}

	if _, err := log.ParseLevel(c.Logger.Level); err != nil {
		return errors.Wrap(err, "logger.level")
	}
	switch c.Logger.Format {
	case "text", "json":
	default:
		return errors.Errorf("logger.format: unknown format %q", c.Logger.Format)
	}
	return nil
}

// CoreMLDir returns the CoreML family directory.
func (c *Config) CoreMLDir() string {
	return filepath.Join(c.OutputDir, c.CoreML.Dir)
}

// TFLiteDir returns the TFLite family directory.
func (c *Config) TFLiteDir() string {
	return filepath.Join(c.OutputDir, c.TFLite.Dir)
}

// IntermediateDir returns the SavedModel directory of the TFLite family.
func (c *Config) IntermediateDir() string {
	return filepath.Join(c.TFLiteDir(), IntermediateName)
}

// Apply configures logger from the level and format.
//
// Arguments:
//   - logger: The logger to configure, usually log.StandardLogger().
//
// Returns:
//   - error: An error if the level is unknown.
func (l LoggerConfig) Apply(logger *log.Logger) error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrap(err, "logger.level")
	}
	logger.SetLevel(level)

	if l.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
