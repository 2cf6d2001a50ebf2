package config

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	// Backend selects the accelerator runtime: auto, sim or cuda.
	Backend   string    `yaml:"backend"`
	Benchmark Benchmark `yaml:"benchmark"`
	Saxpy     Saxpy     `yaml:"saxpy"`
	Sim       Sim       `yaml:"sim"`
	Metrics   struct {
		// Textfile, when set, receives the metrics registry at exit.
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

type Benchmark struct {
	Width             int     `yaml:"width"`
	Repeat            int     `yaml:"repeat"`
	Tolerance         float64 `yaml:"tolerance"`
	MaxReportedErrors int     `yaml:"maxReportedErrors"`
}

type Saxpy struct {
	A               float32 `yaml:"a"`
	Elements        int     `yaml:"elements"`
	ThreadsPerBlock int     `yaml:"threadsPerBlock"`
	RelTolerance    float64 `yaml:"relTolerance"`
}

type Sim struct {
	Arch        string `yaml:"arch"`
	TotalMemory int64  `yaml:"totalMemory"`
	Workers     int    `yaml:"workers"`
	Devices     int    `yaml:"devices"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{Backend: "auto"}
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "console"
	c.Benchmark = Benchmark{
		Width:             1024,
		Repeat:            100,
		Tolerance:         1e-6,
		MaxReportedErrors: 10,
	}
	c.Saxpy = Saxpy{
		A:               5.1,
		Elements:        1024 * 128,
		ThreadsPerBlock: 1024,
		RelTolerance:    1e-6,
	}
	c.Sim = Sim{
		Arch:        "gfx-sim",
		TotalMemory: 4 << 30,
		Devices:     1,
	}
	return c
}

// LoadConfig reads the yaml file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the benchmark parameters.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case "auto", "sim", "cuda":
	default:
		errs = append(errs, fmt.Errorf("backend must be auto, sim or cuda, got %q", c.Backend))
	}
	if c.Benchmark.Width <= 0 || c.Benchmark.Width%4 != 0 {
		errs = append(errs, fmt.Errorf("benchmark.width must be a positive multiple of 4, got %d", c.Benchmark.Width))
	}
	if c.Benchmark.Repeat <= 0 {
		errs = append(errs, fmt.Errorf("benchmark.repeat must be positive, got %d", c.Benchmark.Repeat))
	}
	if c.Benchmark.Tolerance < 0 || c.Saxpy.RelTolerance < 0 {
		errs = append(errs, errors.New("tolerances must not be negative"))
	}
	if c.Benchmark.MaxReportedErrors < 0 {
		errs = append(errs, errors.New("benchmark.maxReportedErrors must not be negative"))
	}
	if c.Saxpy.Elements <= 0 || c.Saxpy.ThreadsPerBlock <= 0 {
		errs = append(errs, errors.New("saxpy.elements and saxpy.threadsPerBlock must be positive"))
	}
	if c.Sim.TotalMemory < 0 || c.Sim.Devices < 0 || c.Sim.Workers < 0 {
		errs = append(errs, errors.New("sim settings must not be negative"))
	}
	return multierr.Combine(errs...)
}
