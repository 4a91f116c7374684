// Package workload drives the AXPY, batched LU and solver workloads and
// reports device memory between their steps.
package workload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/internal/config"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/memprobe"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

// Runner runs workloads on one device. It owns every handle it creates.
type Runner struct {
	cfg     *config.Config
	dev     device.Device
	tracker *memprobe.Tracker
	out     io.Writer
	log     *zap.Logger
}

func NewRunner(cfg *config.Config, dev device.Device, tracker *memprobe.Tracker, out io.Writer, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, dev: dev, tracker: tracker, out: out, log: log.Named("workload")}
}

// All runs AXPY once, then the LU and solver workloads.
func (r *Runner) All(ctx context.Context) error {
	if _, err := r.Axpy(ctx); err != nil {
		return err
	}
	if _, err := r.LU(ctx); err != nil {
		return err
	}
	_, err := r.Solver(ctx)
	return err
}

// iterate runs once per configured iteration with the separator and the
// closing report around each run.
func (r *Runner) iterate(ctx context.Context, name string, once func(i int) error) error {
	for i := 0; i < r.cfg.Workload.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "========== %d ===========\n", i)
		if err := once(i); err != nil {
			return fmt.Errorf("%s iteration %d: %w", name, i, err)
		}
		r.tracker.Report("main     ")
		metrics.WorkloadIterations.WithLabelValues(name).Inc()
	}
	return nil
}

func (r *Runner) printEnds(name string, first, last float64) {
	fmt.Fprintf(r.out, "%s[0]:   %g\n%s[N-1]: %g\n", name, first, name, last)
}

// releaser frees resources in reverse order of acquisition.
type releaser []func() error

func (rel *releaser) add(f func() error) { *rel = append(*rel, f) }

func (rel releaser) release() error {
	var errs []error
	for i := len(rel) - 1; i >= 0; i-- {
		errs = append(errs, rel[i]())
	}
	return errors.Join(errs...)
}
