package workload

import (
	"context"

	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

// AxpyResult holds the ends of y = alpha·x + y with x[i] = y[i] = i.
type AxpyResult struct {
	First, Last float64
}

// Axpy runs one y = alpha·x + y over axpy.n elements.
func (r *Runner) Axpy(ctx context.Context) (res AxpyResult, err error) {
	if err := ctx.Err(); err != nil {
		return res, err
	}
	n, alpha := r.cfg.Axpy.N, r.cfg.Axpy.Alpha
	r.log.Info("Running AXPY workload", zap.Int("n", n), zap.Float64("alpha", alpha))

	var rel releaser
	defer func() {
		if rerr := rel.release(); err == nil {
			err = rerr
		}
	}()

	r.tracker.Reset()
	r.tracker.Report("start    ")

	x, err := device.NewArray[float64](r.dev, n)
	if err != nil {
		return res, wrapStep("x/y alloc", err)
	}
	rel.add(x.Free)
	y, err := device.NewArray[float64](r.dev, n)
	if err != nil {
		return res, wrapStep("x/y alloc", err)
	}
	rel.add(y.Free)
	r.tracker.Report("x/y alloc")

	hx := make([]float64, n)
	hy := make([]float64, n)
	for i := range hx {
		hx[i] = float64(i)
		hy[i] = float64(i)
	}
	if err := x.Upload(hx); err != nil {
		return res, wrapStep("copy", err)
	}
	if err := y.Upload(hy); err != nil {
		return res, wrapStep("copy", err)
	}
	r.tracker.Report("copy     ")

	h, err := r.dev.NewHandle()
	if err != nil {
		return res, wrapStep("handle", err)
	}
	rel.add(h.Destroy)
	r.tracker.Report("handle   ")

	if err := h.Axpy(n, alpha, x.Ptr(), y.Ptr()); err != nil {
		return res, wrapStep("axpy", err)
	}
	if err := y.Download(hy); err != nil {
		return res, wrapStep("axpy", err)
	}
	r.tracker.Report("axpy     ")
	metrics.WorkloadIterations.WithLabelValues("axpy").Inc()

	res = AxpyResult{First: hy[0], Last: hy[n-1]}
	r.printEnds("y", res.First, res.Last)
	return res, nil
}
