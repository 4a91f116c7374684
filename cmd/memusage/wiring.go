package main

import (
	"context"
	"errors"
	"io"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fxnlabs/batched-solver/internal/config"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/memprobe"
	"github.com/fxnlabs/batched-solver/internal/metrics"
	"github.com/fxnlabs/batched-solver/internal/workload"
)

// newApp assembles the device, tracker and runner and fills targets, which
// must be pointers to provided types.
func (m *memusage) newApp(targets ...interface{}) *fx.App {
	return fx.New(
		fx.Supply(m.cfg, m.log),
		fx.Provide(
			func() io.Writer { return m.out },
			newManager,
			newTracker,
			newRunner,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Populate(targets...),
	)
}

// run starts app, calls fn and stops app whatever fn returns. The metrics
// textfile is written last so it sees the final gauges.
func run(ctx context.Context, app *fx.App, cfg *config.Config, fn func() error) (err error) {
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, app.Stop(context.Background()))
		if cfg.Metrics.Textfile != "" {
			if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
				err = errors.Join(err, werr)
			}
		}
	}()
	return fn()
}

func newManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*device.Manager, error) {
	manager, err := device.NewManager(log, cfg.DeviceOptions())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.Cleanup()
		},
	})
	return manager, nil
}

// newTracker reads the device itself unless the sysman path is enabled.
func newTracker(manager *device.Manager, out io.Writer, log *zap.Logger) *memprobe.Tracker {
	var src memprobe.Source
	if sysman := memprobe.NewSysmanSource(log); sysman.Enabled() {
		log.Info("reading device memory through nvidia-smi")
		src = sysman
	}
	return memprobe.NewTracker(manager.Device(), src, out, log)
}

func newRunner(cfg *config.Config, manager *device.Manager, tracker *memprobe.Tracker, out io.Writer, log *zap.Logger) *workload.Runner {
	return workload.NewRunner(cfg, manager.Device(), tracker, out, log)
}
