package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/batched-solver/fixtures"
	"github.com/fxnlabs/batched-solver/internal/device"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "json", config.Logger.Encoding)
		assert.Equal(t, "cpu", config.Device.Backend)
		assert.Equal(t, int64(256<<20), config.Device.Capacity)
		assert.Equal(t, 2, config.Device.Workers)
		assert.Equal(t, "recreate", config.Device.ScratchPolicy)
		assert.Equal(t, 2, config.Workload.Iterations)
		assert.Equal(t, 64, config.Problem.N)
		assert.Equal(t, 4, config.Problem.Bandwidth)
		assert.Equal(t, 8, config.Problem.Batches)
		assert.Equal(t, 2, config.Problem.NRHS)
		assert.False(t, config.Problem.Pivot)
		assert.Equal(t, 4096, config.Axpy.N)
		assert.Equal(t, 0.5, config.Axpy.Alpha)
		assert.Equal(t, []string{"dense", "invert"}, config.Solver.Kinds)
		assert.Equal(t, "/tmp/memusage.prom", config.Metrics.Textfile)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("problem:\n  batches: 4\n"), 0o600))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 4, config.Problem.Batches)
		assert.Equal(t, 2048, config.Problem.N)
		assert.True(t, config.Problem.Pivot)
		assert.Equal(t, 5, config.Workload.Iterations)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("problem:\n  bandwidth: 4096\n"), 0o600))

		_, err := LoadConfig(path)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestTemplateMatchesDefault(t *testing.T) {
	var fromTemplate Config
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, &fromTemplate))
	assert.Equal(t, Default(), &fromTemplate)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero n", func(c *Config) { c.Problem.N = 0 }},
		{"negative bandwidth", func(c *Config) { c.Problem.Bandwidth = -1 }},
		{"no batches", func(c *Config) { c.Problem.Batches = 0 }},
		{"no rhs", func(c *Config) { c.Problem.NRHS = 0 }},
		{"no iterations", func(c *Config) { c.Workload.Iterations = 0 }},
		{"empty axpy", func(c *Config) { c.Axpy.N = 0 }},
		{"negative capacity", func(c *Config) { c.Device.Capacity = -1 }},
		{"unknown backend", func(c *Config) { c.Device.Backend = "rocm" }},
		{"unknown scratch policy", func(c *Config) { c.Device.ScratchPolicy = "shrink" }},
		{"no solver kinds", func(c *Config) { c.Solver.Kinds = nil }},
		{"unknown solver kind", func(c *Config) { c.Solver.Kinds = []string{"cholesky"} }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDeviceOptions(t *testing.T) {
	c := Default()
	c.Device.Backend = device.BackendCPU
	c.Device.Capacity = 1 << 20
	c.Device.ScratchPolicy = "recreate"

	opts := c.DeviceOptions()
	assert.Equal(t, device.BackendCPU, opts.Backend)
	assert.Equal(t, int64(1<<20), opts.CPU.Capacity)
	assert.Equal(t, device.ScratchRecreate, opts.CPU.ScratchMode)
}
