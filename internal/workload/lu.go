package workload

import (
	"context"

	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/lu"
)

// LUResult describes one factorize/solve cycle.
type LUResult struct {
	First, Last float64
	// Allocated is device memory in use once every input is on the device.
	Allocated uint64
	// Solved is device memory in use right after the solve.
	Solved uint64
	// ScratchBound is the handle's documented scratch ceiling for the shape.
	ScratchBound int64
}

// LU runs the batched factorize/solve cycle once per iteration.
func (r *Runner) LU(ctx context.Context) ([]LUResult, error) {
	p := r.cfg.Problem
	r.log.Info("Running LU workload",
		zap.Int("n", p.N), zap.Int("bandwidth", p.Bandwidth),
		zap.Int("batches", p.Batches), zap.Int("nrhs", p.NRHS), zap.Bool("pivot", p.Pivot))

	var results []LUResult
	err := r.iterate(ctx, "lu", func(int) error {
		res, err := r.luOnce()
		if err != nil {
			return err
		}
		results = append(results, res)
		return nil
	})
	return results, err
}

func (r *Runner) luOnce() (res LUResult, err error) {
	p := r.cfg.Problem
	layout := r.dev.Layout()

	var rel releaser
	defer func() {
		if rerr := rel.release(); err == nil {
			err = rerr
		}
	}()

	r.tracker.Reset()
	r.tracker.Report("start    ")

	a, err := batch.NewCollection(r.dev, p.N, p.N, p.Batches)
	if err != nil {
		return res, wrapStep("h/d alloc", err)
	}
	rel.add(a.Free)
	b, err := batch.NewCollection(r.dev, p.N, p.NRHS, p.Batches)
	if err != nil {
		return res, wrapStep("h/d alloc", err)
	}
	rel.add(b.Free)
	f, err := lu.New(r.dev, p.N, p.Batches)
	if err != nil {
		return res, wrapStep("h/d alloc", err)
	}
	rel.add(f.Free)
	r.tracker.Report("h/d alloc")

	hostA := batch.MakeTestMatrix(p.N, p.Bandwidth, p.Batches, p.Pivot, layout)
	hostB := batch.MakeRHS(p.N, p.NRHS, p.Batches, layout)
	r.tracker.Report("h init   ")

	aTable, err := batch.NewPointerTable(a)
	if err != nil {
		return res, wrapStep("d copy", err)
	}
	rel.add(aTable.Free)
	bTable, err := batch.NewPointerTable(b)
	if err != nil {
		return res, wrapStep("d copy", err)
	}
	rel.add(bTable.Free)
	if err := a.Upload(hostA); err != nil {
		return res, wrapStep("d copy", err)
	}
	if err := b.Upload(hostB); err != nil {
		return res, wrapStep("d copy", err)
	}
	res.Allocated = r.tracker.Report("d   copy ")

	h, err := r.dev.NewHandle()
	if err != nil {
		return res, wrapStep("handle", err)
	}
	rel.add(h.Destroy)
	res.ScratchBound = h.ScratchBound(p.N, p.NRHS, p.Batches)
	r.tracker.Report("handle   ")

	if err := f.Factorize(h, aTable); err != nil {
		return res, wrapStep("slv init", err)
	}
	r.tracker.Report("slv init ")

	if err := h.ReleaseScratch(); err != nil {
		return res, wrapStep("release h", err)
	}
	r.tracker.Report("release h")

	if err := f.Solve(h, bTable); err != nil {
		return res, wrapStep("slv solve", err)
	}
	res.Solved = r.tracker.Report("slv solve")

	if err := b.Download(hostB); err != nil {
		return res, wrapStep("sln copy", err)
	}
	r.tracker.Report("sln copy ")

	res.First, res.Last = hostB.Data[0], hostB.Data[len(hostB.Data)-1]
	r.printEnds("x", res.First, res.Last)
	return res, nil
}
