package solver

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/lu"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

// invert keeps only the explicit inverses. The LU factors and pivots are
// dropped once the inverses exist, so steady-state memory is one n×n matrix
// per batch.
type invert struct {
	h        device.Handle
	p        Params
	inv      *batch.Collection
	invTable *batch.PointerTable
	rhs, out tableCache
	closed   bool
}

func newInvert(h device.Handle, p Params, matrices [][]float64) (_ *invert, err error) {
	dev := h.Device()
	a, aTable, err := uploadMatrices(dev, p, matrices)
	if err != nil {
		return nil, err
	}
	f, err := lu.New(dev, p.N, p.Batches)
	if err != nil {
		return nil, errors.Join(err, aTable.Free(), a.Free())
	}
	defer func() {
		err = errors.Join(err, f.Free(), aTable.Free(), a.Free())
	}()

	if err := f.Factorize(h, aTable); err != nil {
		return nil, errors.Join(err, h.ReleaseScratch())
	}
	if err := h.ReleaseScratch(); err != nil {
		return nil, err
	}

	inv, err := batch.NewCollection(dev, p.N, p.N, p.Batches)
	if err != nil {
		return nil, err
	}
	invTable, err := batch.NewPointerTable(inv)
	if err != nil {
		return nil, errors.Join(err, inv.Free())
	}
	s := &invert{h: h, p: p, inv: inv, invTable: invTable}
	if err := f.Invert(h, invTable); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if err := h.ReleaseScratch(); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// Solve computes out = A⁻¹·rhs with one batched GEMM.
func (s *invert) Solve(rhs, out *batch.Collection) error {
	if s.closed {
		return ErrClosed
	}
	if err := checkRHS(s.p, rhs, out); err != nil {
		return err
	}
	if rhs == out {
		return fmt.Errorf("%w: rhs and out must be different collections", device.ErrInvalidValue)
	}
	invPtr, err := s.invTable.DevicePtr()
	if err != nil {
		return err
	}
	rhsPtr, _, err := s.rhs.get(rhs)
	if err != nil {
		return err
	}
	outPtr, _, err := s.out.get(out)
	if err != nil {
		return err
	}

	dev := s.h.Device()
	start := time.Now()
	err = s.h.GemmBatched(s.p.N, s.p.NRHS, s.p.N, 1, invPtr, s.inv.Leading(), rhsPtr, rhs.Leading(), 0, outPtr, out.Leading(), s.p.Batches)
	if err == nil {
		err = dev.Synchronize()
	}
	metrics.BatchedCallDuration.WithLabelValues("gemm", dev.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("gemm: %w", err)
	}
	metrics.BatchesProcessed.WithLabelValues("gemm").Add(float64(s.p.Batches))
	return nil
}

func (s *invert) DeviceMemoryUsage() int64 {
	if s.closed {
		return 0
	}
	return s.inv.Bytes() + s.invTable.Bytes() + s.rhs.bytes() + s.out.bytes() + s.h.ScratchBytes()
}

func (s *invert) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.rhs.free(), s.out.free(), s.invTable.Free(), s.inv.Free())
}
