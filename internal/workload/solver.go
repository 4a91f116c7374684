package workload

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/metrics"
	"github.com/fxnlabs/batched-solver/internal/solver"
)

// SolverResult describes one construct/solve cycle of a solver kind.
type SolverResult struct {
	Kind        solver.Kind
	First, Last float64
	// DeviceBytes is the solver's own report right after construction.
	DeviceBytes int64
}

// Solver builds and runs every configured solver kind once per iteration.
func (r *Runner) Solver(ctx context.Context) ([]SolverResult, error) {
	kinds := make([]solver.Kind, 0, len(r.cfg.Solver.Kinds))
	for _, name := range r.cfg.Solver.Kinds {
		k, err := solver.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	p := r.cfg.Problem
	r.log.Info("Running solver workload",
		zap.Strings("kinds", r.cfg.Solver.Kinds),
		zap.Int("n", p.N), zap.Int("batches", p.Batches), zap.Int("nrhs", p.NRHS))

	var results []SolverResult
	err := r.iterate(ctx, "solver", func(int) error {
		for _, k := range kinds {
			res, err := r.solverOnce(k)
			if err != nil {
				return fmt.Errorf("%s solver: %w", k, err)
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

func (r *Runner) solverOnce(kind solver.Kind) (res SolverResult, err error) {
	p := r.cfg.Problem
	layout := r.dev.Layout()
	res.Kind = kind

	var rel releaser
	defer func() {
		if rerr := rel.release(); err == nil {
			err = rerr
		}
	}()

	r.tracker.Reset()
	r.tracker.Report("start    ")

	hostA := batch.MakeTestMatrix(p.N, p.Bandwidth, p.Batches, p.Pivot, layout)
	hostRHS := batch.NewHost(p.N, p.NRHS, p.Batches, layout)
	matrices := hostA.Batches()
	r.tracker.Report("h alloc  ")

	rhs, err := batch.NewCollection(r.dev, p.N, p.NRHS, p.Batches)
	if err != nil {
		return res, wrapStep("vec alloc", err)
	}
	rel.add(rhs.Free)
	out, err := batch.NewCollection(r.dev, p.N, p.NRHS, p.Batches)
	if err != nil {
		return res, wrapStep("vec alloc", err)
	}
	rel.add(out.Free)
	r.tracker.Report("vec alloc")

	batch.FillRHS(hostRHS)
	r.tracker.Report("h init   ")

	if err := rhs.Upload(hostRHS); err != nil {
		return res, wrapStep("rhs copy", err)
	}
	r.tracker.Report("rhs copy ")

	h, err := r.dev.NewHandle()
	if err != nil {
		return res, wrapStep("handle", err)
	}
	rel.add(h.Destroy)
	r.tracker.Report("handle   ")

	s, err := solver.New(kind, h, solver.Params{N: p.N, Batches: p.Batches, NRHS: p.NRHS}, matrices)
	if err != nil {
		return res, wrapStep("slv init", err)
	}
	rel.add(s.Close)
	r.tracker.Report("slv init ")

	res.DeviceBytes = s.DeviceMemoryUsage()
	metrics.SolverDeviceMemoryBytes.WithLabelValues(string(kind)).Set(float64(res.DeviceBytes))
	fmt.Fprintf(r.out, "%s devmem bytes %g MB\n", kind, float64(res.DeviceBytes)/(1<<20))

	if err := s.Solve(rhs, out); err != nil {
		return res, wrapStep("slv solve", err)
	}
	r.tracker.Report("slv solve")

	if err := out.Download(hostRHS); err != nil {
		return res, wrapStep("sln copy", err)
	}
	r.tracker.Report("sln copy ")

	res.First, res.Last = hostRHS.Data[0], hostRHS.Data[len(hostRHS.Data)-1]
	r.printEnds("x", res.First, res.Last)
	return res, nil
}
