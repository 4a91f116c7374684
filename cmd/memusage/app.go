package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/fixtures"
	"github.com/fxnlabs/batched-solver/internal/config"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/logger"
	"github.com/fxnlabs/batched-solver/internal/workload"
)

// memusage holds what Before resolves for the subcommands.
type memusage struct {
	out io.Writer
	cfg *config.Config
	log *zap.Logger
}

func (m *memusage) app() *cli.App {
	var (
		configPath string
		backend    string
		iterations int
	)

	return &cli.App{
		Name:   "memusage",
		Usage:  "Run batched LU workloads and report device memory between steps",
		Writer: m.out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config; built-in defaults when empty",
				EnvVars:     []string{"MEMUSAGE_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "Device backend: auto, cpu or cuda",
				Destination: &backend,
			},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "Iterations of the LU and solver workloads",
				Destination: &iterations,
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if c.IsSet("backend") {
				cfg.Device.Backend = backend
			}
			if c.IsSet("iterations") {
				cfg.Workload.Iterations = iterations
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			m.cfg = cfg
			m.log = zapLogger.Named("memusage")
			return nil
		},
		Action: m.runWith(func(ctx context.Context, r *workload.Runner) error {
			return r.All(ctx)
		}),
		Commands: []*cli.Command{
			{
				Name:  "axpy",
				Usage: "Run the AXPY workload",
				Action: m.runWith(func(ctx context.Context, r *workload.Runner) error {
					_, err := r.Axpy(ctx)
					return err
				}),
			},
			{
				Name:  "lu",
				Usage: "Run the batched LU factorize and solve workload",
				Action: m.runWith(func(ctx context.Context, r *workload.Runner) error {
					_, err := r.LU(ctx)
					return err
				}),
			},
			{
				Name:  "solver",
				Usage: "Run the configured solver kinds",
				Action: m.runWith(func(ctx context.Context, r *workload.Runner) error {
					_, err := r.Solver(ctx)
					return err
				}),
			},
			m.deviceCommand(),
			configCommand(m),
		},
	}
}

// runWith wraps a workload into a cli action: it wires the runner, runs fn
// until it returns or the process is interrupted, then tears the device
// down.
func (m *memusage) runWith(fn func(context.Context, *workload.Runner) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		var runner *workload.Runner
		return run(ctx, m.newApp(&runner), m.cfg, func() error {
			return fn(ctx, runner)
		})
	}
}

func (m *memusage) deviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "Show the selected device and its memory",
		Action: func(c *cli.Context) error {
			var manager *device.Manager
			return run(c.Context, m.newApp(&manager), m.cfg, func() error {
				printDevice(m.out, manager)
				return nil
			})
		},
	}
}

func printDevice(out io.Writer, manager *device.Manager) {
	fmt.Fprintln(out, figure.NewFigure("memusage", "", true).String())

	info := manager.GetDeviceInfo()
	fmt.Fprintf(out, "Backend:            %s\n", manager.GetBackendType())
	fmt.Fprintf(out, "Device:             %s\n", info.Name)
	fmt.Fprintf(out, "GPU:                %t\n", manager.IsGPUAvailable())
	fmt.Fprintf(out, "Total memory:       %d bytes\n", info.TotalMemory)
	if info.ComputeCapability != "" {
		fmt.Fprintf(out, "Compute capability: %s\n", info.ComputeCapability)
	}
	if info.DriverVersion != "" {
		fmt.Fprintf(out, "Driver version:     %s\n", info.DriverVersion)
	}
	if info.CUDAVersion != "" {
		fmt.Fprintf(out, "CUDA version:       %s\n", info.CUDAVersion)
	}
	if mi, err := manager.Device().MemInfo(); err == nil {
		fmt.Fprintf(out, "Free memory:        %d / %d bytes\n", mi.Free, mi.Total)
	}
}

func configCommand(m *memusage) *cli.Command {
	var (
		path  string
		force bool
	)
	return &cli.Command{
		Name:  "config",
		Usage: "Write the default config template",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Value:       "config.yaml",
				Usage:       "Destination file, - for stdout",
				Destination: &path,
			},
			&cli.BoolFlag{
				Name:        "force",
				Usage:       "Overwrite an existing file",
				Destination: &force,
			},
		},
		Action: func(c *cli.Context) error {
			if path == "-" {
				_, err := m.out.Write(fixtures.ConfigTemplate)
				return err
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return fmt.Errorf("writing config template: %w", err)
			}
			m.log.Info("wrote config template", zap.String("path", path))
			return nil
		},
	}
}
