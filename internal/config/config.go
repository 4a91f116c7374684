package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/batched-solver/internal/device"
)

const (
	SolverDense  = "dense"
	SolverInvert = "invert"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device struct {
		Backend       string `yaml:"backend"`
		Capacity      int64  `yaml:"capacity"`
		Workers       int    `yaml:"workers"`
		ScratchPolicy string `yaml:"scratchPolicy"`
	} `yaml:"device"`
	Workload struct {
		Iterations int `yaml:"iterations"`
	} `yaml:"workload"`
	Problem struct {
		N         int  `yaml:"n"`
		Bandwidth int  `yaml:"bandwidth"`
		Batches   int  `yaml:"batches"`
		NRHS      int  `yaml:"nrhs"`
		Pivot     bool `yaml:"pivot"`
	} `yaml:"problem"`
	Axpy struct {
		N     int     `yaml:"n"`
		Alpha float64 `yaml:"alpha"`
	} `yaml:"axpy"`
	Solver struct {
		Kinds []string `yaml:"kinds"`
	} `yaml:"solver"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given: the
// n=2048, bandwidth 64, 256 batch problem, five iterations.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "console"
	c.Device.Backend = device.BackendAuto
	c.Device.ScratchPolicy = string(device.ScratchResize)
	c.Workload.Iterations = 5
	c.Problem.N = 2048
	c.Problem.Bandwidth = 64
	c.Problem.Batches = 256
	c.Problem.NRHS = 1
	c.Problem.Pivot = true
	c.Axpy.N = 1 << 30
	c.Axpy.Alpha = 2
	c.Solver.Kinds = []string{SolverDense}
	return &c
}

// LoadConfig reads the YAML file at path over Default and validates the
// result. Keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	p := c.Problem
	switch {
	case p.N < 1:
		return fmt.Errorf("%w: problem.n must be positive, got %d", ErrInvalidConfig, p.N)
	case p.Bandwidth < 0 || p.Bandwidth >= p.N:
		return fmt.Errorf("%w: problem.bandwidth must be in [0, n), got %d", ErrInvalidConfig, p.Bandwidth)
	case p.Batches < 1:
		return fmt.Errorf("%w: problem.batches must be positive, got %d", ErrInvalidConfig, p.Batches)
	case p.NRHS < 1:
		return fmt.Errorf("%w: problem.nrhs must be positive, got %d", ErrInvalidConfig, p.NRHS)
	case c.Workload.Iterations < 1:
		return fmt.Errorf("%w: workload.iterations must be positive, got %d", ErrInvalidConfig, c.Workload.Iterations)
	case c.Axpy.N < 1:
		return fmt.Errorf("%w: axpy.n must be positive, got %d", ErrInvalidConfig, c.Axpy.N)
	case c.Device.Capacity < 0:
		return fmt.Errorf("%w: device.capacity must not be negative", ErrInvalidConfig)
	}

	switch c.Device.Backend {
	case device.BackendAuto, device.BackendCPU, device.BackendCUDA:
	default:
		return fmt.Errorf("%w: device.backend %q", ErrInvalidConfig, c.Device.Backend)
	}
	switch device.ScratchMode(c.Device.ScratchPolicy) {
	case device.ScratchResize, device.ScratchRecreate:
	default:
		return fmt.Errorf("%w: device.scratchPolicy %q", ErrInvalidConfig, c.Device.ScratchPolicy)
	}
	if len(c.Solver.Kinds) == 0 {
		return fmt.Errorf("%w: solver.kinds is empty", ErrInvalidConfig)
	}
	for _, k := range c.Solver.Kinds {
		if k != SolverDense && k != SolverInvert {
			return fmt.Errorf("%w: solver kind %q", ErrInvalidConfig, k)
		}
	}
	return nil
}

// DeviceOptions maps the device section onto device.Options.
func (c *Config) DeviceOptions() device.Options {
	return device.Options{
		Backend: c.Device.Backend,
		CPU: device.CPUOptions{
			Capacity:    c.Device.Capacity,
			Workers:     c.Device.Workers,
			ScratchMode: device.ScratchMode(c.Device.ScratchPolicy),
		},
	}
}
