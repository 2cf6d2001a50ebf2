package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/kernel-bench/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "sim", config.Backend)
		assert.Equal(t, 256, config.Benchmark.Width)
		assert.Equal(t, 10, config.Benchmark.Repeat)
		assert.Equal(t, 1e-5, config.Benchmark.Tolerance)
		assert.Equal(t, float32(2.5), config.Saxpy.A)
		assert.Equal(t, 4096, config.Saxpy.Elements)
		assert.Equal(t, "gfx-sim", config.Sim.Arch)
		assert.Equal(t, int64(1<<28), config.Sim.TotalMemory)
		assert.Equal(t, "/tmp/kbench.prom", config.Metrics.Textfile)

		// unset keys keep their defaults
		assert.Equal(t, 1024, config.Saxpy.ThreadsPerBlock)
		assert.Equal(t, 10, config.Benchmark.MaxReportedErrors)
	})

	t.Run("empty path", func(t *testing.T) {
		config, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, Default(), config)
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

	t.Run("template", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, fixtures.ConfigTemplate, 0o644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, Default(), config)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "width not divisible by 4", mutate: func(c *Config) { c.Benchmark.Width = 1022 }, wantErr: "benchmark.width"},
		{name: "zero repeat", mutate: func(c *Config) { c.Benchmark.Repeat = 0 }, wantErr: "benchmark.repeat"},
		{name: "negative tolerance", mutate: func(c *Config) { c.Benchmark.Tolerance = -1 }, wantErr: "tolerances"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "metal" }, wantErr: "backend"},
		{name: "no saxpy elements", mutate: func(c *Config) { c.Saxpy.Elements = 0 }, wantErr: "saxpy.elements"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
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

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default()
	c.Backend = "metal"
	c.Benchmark.Width = 30
	c.Benchmark.Repeat = -1

	errs := multierr.Errors(c.Validate())
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), "backend")
	assert.Contains(t, errs[1].Error(), "benchmark.width")
	assert.Contains(t, errs[2].Error(), "benchmark.repeat")
}
