package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/iceball/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
service:
  log: stderr
inference:
  interpreter: /opt/venv/bin/python
  device: cpu
  env:
    pythonunbuffered: "1"
pipeline:
  poll_interval: 250ms
  organ_parallelism: 3
  encoding_check: warn
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, "/opt/venv/bin/python", cfg.Inference.Interpreter)
	require.Equal(t, model.DeviceCPU, cfg.Inference.Device)
	require.Equal(t, []string{"PYTHONUNBUFFERED=1"}, cfg.Inference.EnvList())
	require.Equal(t, 250*time.Millisecond, cfg.Pipeline.PollInterval)
	require.Equal(t, 3, cfg.Pipeline.OrganParallelism)
	require.Equal(t, model.EncodingCheckWarn, cfg.Pipeline.EncodingCheck)

	t.Run("defaults", func(t *testing.T) {
		require.Equal(t, "auto3dseg_segresnet_inference.py", cfg.Inference.Script)
		require.Equal(t, "needle_model.pt", cfg.Inference.Weights.Needle)
		require.Equal(t, "model.pt", cfg.Inference.Weights.Final)
		require.Equal(t, 25, cfg.Pipeline.DilationSize)
		require.InDelta(t, 1000.0, cfg.Pipeline.NeedleOffset, 0)
		require.InDelta(t, 2000.0, cfg.Pipeline.UrethraOffset, 0)
		require.Equal(t, 3, cfg.Models.DownloadRetries)
	})
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Equal(t, time.Second, cfg.Pipeline.PollInterval)
	require.Equal(t, 1, cfg.Pipeline.OrganParallelism)
	require.Equal(t, model.EncodingCheckError, cfg.Pipeline.EncodingCheck)
	require.Equal(t, model.DeviceGPU, cfg.Inference.Device)
	require.True(t, cfg.Terminology.UseStandardSegmentNames)
}

func TestLoadConfig_Env(t *testing.T) {
	// can't be parallel as it modifies the environment
	t.Setenv("ICEBALL_PIPELINE_KEEP_TEMP", "true")
	t.Setenv("ICEBALL_INFERENCE_DEVICE", "cpu")

	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.True(t, cfg.Pipeline.KeepTemp)
	require.Equal(t, model.DeviceCPU, cfg.Inference.Device)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		yml      string
		path     string
	}{
		{
			scenario: "enum",
			yml: `
version: 0
pipeline:
  encoding_check: sometimes
`,
			path: "pipeline.encoding_check",
		},
		{
			scenario: "unknown field",
			yml: `
version: 0
pipeline:
  dilation: 25
`,
			path: "pipeline.dilation",
		},
		{
			scenario: "range",
			yml: `
version: 0
pipeline:
  organ_parallelism: 4
`,
			path: "pipeline.organ_parallelism",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.path)
			require.NotEmpty(t, model.ConfigErrDetails(err))
		})
	}
}
