package solver

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/lu"
)

// dense holds the LU factors in place of its device copy of the matrices.
type dense struct {
	h      device.Handle
	p      Params
	a      *batch.Collection
	aTable *batch.PointerTable
	lu     *lu.Factorization
	out    tableCache
	closed bool
}

func newDense(h device.Handle, p Params, matrices [][]float64) (*dense, error) {
	dev := h.Device()
	a, aTable, err := uploadMatrices(dev, p, matrices)
	if err != nil {
		return nil, err
	}
	s := &dense{h: h, p: p, a: a, aTable: aTable}

	s.lu, err = lu.New(dev, p.N, p.Batches)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if err := s.lu.Factorize(h, aTable); err != nil {
		return nil, errors.Join(err, h.ReleaseScratch(), s.Close())
	}
	if err := h.ReleaseScratch(); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// Solve copies rhs to out and solves in place there, so the factorization
// and rhs both stay intact and repeated calls agree.
func (s *dense) Solve(rhs, out *batch.Collection) error {
	if s.closed {
		return ErrClosed
	}
	if err := checkRHS(s.p, rhs, out); err != nil {
		return err
	}
	if err := out.CopyFrom(rhs); err != nil {
		return fmt.Errorf("copying right-hand sides: %w", err)
	}
	_, outTable, err := s.out.get(out)
	if err != nil {
		return err
	}
	if err := s.lu.Solve(s.h, outTable); err != nil {
		return err
	}
	return s.h.ReleaseScratch()
}

func (s *dense) DeviceMemoryUsage() int64 {
	if s.closed {
		return 0
	}
	return s.a.Bytes() + s.aTable.Bytes() + s.lu.DeviceBytes() + s.out.bytes() + s.h.ScratchBytes()
}

func (s *dense) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.lu != nil {
		errs = append(errs, s.lu.Free())
	}
	errs = append(errs, s.out.free(), s.aTable.Free(), s.a.Free())
	return errors.Join(errs...)
}
