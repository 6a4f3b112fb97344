package model

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	DeviceGPU = "gpu"
	DeviceCPU = "cpu"

	EncodingCheckError = "error"
	EncodingCheckWarn  = "warn"
	EncodingCheckOff   = "off"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	// EnvPrefix is the prefix of environment variables overriding config
	// keys, ICEBALL_PIPELINE_KEEP_TEMP=true sets pipeline.keep_temp.
	EnvPrefix = "ICEBALL"
)

//go:embed config.cue
var cueSource []byte

//go:embed default.yaml
var defaultYAML []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int         `mapstructure:"version" yaml:"version"`
	Service     Service     `mapstructure:"service" yaml:"service"`
	Models      Models      `mapstructure:"models" yaml:"models"`
	Inference   Inference   `mapstructure:"inference" yaml:"inference"`
	Pipeline    Pipeline    `mapstructure:"pipeline" yaml:"pipeline"`
	Terminology Terminology `mapstructure:"terminology" yaml:"terminology"`
	History     History     `mapstructure:"history" yaml:"history"`
}

type Service struct {
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
	Log     string `mapstructure:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// Models configures the model catalog and the local model cache.
type Models struct {
	Catalog         string        `mapstructure:"catalog" yaml:"catalog"`
	Dir             string        `mapstructure:"dir" yaml:"dir"`
	DownloadRetries int           `mapstructure:"download_retries" yaml:"download_retries"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
}

// Inference describes how the external inference script is started.
type Inference struct {
	Interpreter string            `mapstructure:"interpreter" yaml:"interpreter"`
	Script      string            `mapstructure:"script" yaml:"script"`
	Device      string            `mapstructure:"device" yaml:"device"`
	Env         map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Weights     Weights           `mapstructure:"weights" yaml:"weights"`
}

// Weights are file names of model weights inside a model directory.
type Weights struct {
	Needle   string `mapstructure:"needle" yaml:"needle"`
	Urethra  string `mapstructure:"urethra" yaml:"urethra"`
	Prostate string `mapstructure:"prostate" yaml:"prostate"`
	Final    string `mapstructure:"final" yaml:"final"`
}

type Pipeline struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	KeepTemp         bool          `mapstructure:"keep_temp" yaml:"keep_temp"`
	TempDir          string        `mapstructure:"temp_dir" yaml:"temp_dir"`
	OrganParallelism int           `mapstructure:"organ_parallelism" yaml:"organ_parallelism"`
	EncodingCheck    string        `mapstructure:"encoding_check" yaml:"encoding_check"`
	NeedleOffset     float64       `mapstructure:"needle_offset" yaml:"needle_offset"`
	UrethraOffset    float64       `mapstructure:"urethra_offset" yaml:"urethra_offset"`
	DilationSize     int           `mapstructure:"dilation_size" yaml:"dilation_size"`
	SkipInferenceDir string        `mapstructure:"skip_inference_dir" yaml:"skip_inference_dir"`
}

type Terminology struct {
	File                    string `mapstructure:"file" yaml:"file"`
	UseStandardSegmentNames bool   `mapstructure:"use_standard_segment_names" yaml:"use_standard_segment_names"`
}

// History configures the sqlite journal of pipeline runs.
type History struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// EnvList returns the configured environment overrides as KEY=value pairs.
// Keys are upper-cased and values starting with $ are expanded.
func (i Inference) EnvList() []string {
	env := make([]string, 0, len(i.Env))
	for k, v := range i.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	slices.Sort(env)
	return env
}

// DefaultYAML returns the embedded default configuration file.
func DefaultYAML() []byte {
	return bytes.Clone(defaultYAML)
}

// DefaultConfig returns the embedded default configuration.
func DefaultConfig() Config {
	cfg, err := LoadConfig(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes it with
// viper. Keys missing in the file get the embedded defaults and every key
// can be overridden by an ICEBALL_ prefixed environment variable.
func LoadConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	if err := validate(data); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return Config{}, fmt.Errorf("reading default config: %w", err)
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err = v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func validate(data []byte) error {
	yamlFile, err := yaml.Extract("iceball.yaml", data)
	if err != nil {
		return err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	return unified.Validate(
		cue.All(),
		cue.Concrete(true),
	)
}
