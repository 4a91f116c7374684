// Package solver provides batched linear solvers that factorize once at
// construction and then solve any number of right-hand sides.
package solver

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/device"
)

// Kind selects a solver strategy.
type Kind string

const (
	// KindDense keeps the LU factors and pivots on the device and runs a
	// batched triangular solve per call.
	KindDense Kind = "dense"
	// KindInvert forms the explicit inverses at construction and solves with
	// one batched GEMM per call.
	KindInvert Kind = "invert"
)

var (
	ErrUnknownKind = errors.New("unknown solver kind")
	ErrClosed      = errors.New("solver closed")
)

// ParseKind maps a name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindDense, KindInvert:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Params is the batch shape a solver is built for.
type Params struct {
	N       int
	Batches int
	NRHS    int
}

func (p Params) validate(matrices [][]float64) error {
	if p.N < 1 || p.Batches < 1 || p.NRHS < 1 {
		return fmt.Errorf("%w: n=%d batches=%d nrhs=%d", device.ErrInvalidValue, p.N, p.Batches, p.NRHS)
	}
	if len(matrices) != p.Batches {
		return fmt.Errorf("%w: %d matrices for %d batches", batch.ErrShapeMismatch, len(matrices), p.Batches)
	}
	for b, m := range matrices {
		if len(m) != p.N*p.N {
			return fmt.Errorf("%w: batch %d has %d elements, want %d", batch.ErrShapeMismatch, b, len(m), p.N*p.N)
		}
	}
	return nil
}

// Solver solves batched systems against a factorization computed when the
// solver was built. The handle passed to New must outlive the solver.
type Solver interface {
	// Solve writes the solution for every right-hand side in rhs to out.
	// rhs is left untouched. Both must be N×NRHS×Batches.
	Solve(rhs, out *batch.Collection) error

	// DeviceMemoryUsage reports the device bytes owned by the solver,
	// including the handle's current scratch.
	DeviceMemoryUsage() int64

	Close() error
}

// New builds a solver of the given kind and factorizes matrices, the host
// pointer table of Batches N×N matrices in the handle device's layout. A
// singular batch is reported here as *lu.FactorizationError.
func New(kind Kind, h device.Handle, p Params, matrices [][]float64) (Solver, error) {
	if err := p.validate(matrices); err != nil {
		return nil, err
	}
	switch kind {
	case KindDense:
		return newDense(h, p, matrices)
	case KindInvert:
		return newInvert(h, p, matrices)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

// uploadMatrices copies the host pointer table into a fresh collection and
// derives its device pointer table.
func uploadMatrices(dev device.Device, p Params, matrices [][]float64) (*batch.Collection, *batch.PointerTable, error) {
	c, err := batch.NewCollection(dev, p.N, p.N, p.Batches)
	if err != nil {
		return nil, nil, err
	}
	for b, m := range matrices {
		if err := c.UploadBatch(b, m); err != nil {
			_ = c.Free()
			return nil, nil, fmt.Errorf("uploading batch %d: %w", b, err)
		}
	}
	t, err := batch.NewPointerTable(c)
	if err != nil {
		_ = c.Free()
		return nil, nil, err
	}
	return c, t, nil
}

func checkRHS(p Params, cs ...*batch.Collection) error {
	for _, c := range cs {
		if c.Rows() != p.N || c.Cols() != p.NRHS || c.Batches() != p.Batches {
			return fmt.Errorf("%w: %dx%dx%d, solver expects %dx%dx%d", batch.ErrShapeMismatch,
				c.Rows(), c.Cols(), c.Batches(), p.N, p.NRHS, p.Batches)
		}
	}
	return nil
}

// tableCache keeps the pointer table of the last collection it was asked
// about, rebuilding it when the collection changes or is reallocated.
type tableCache struct {
	t *batch.PointerTable
}

func (tc *tableCache) get(c *batch.Collection) (device.Ptr, *batch.PointerTable, error) {
	if tc.t != nil && tc.t.Collection() != c {
		if err := tc.free(); err != nil {
			return 0, nil, err
		}
	}
	if tc.t == nil {
		t, err := batch.NewPointerTable(c)
		if err != nil {
			return 0, nil, err
		}
		tc.t = t
	}
	p, err := tc.t.DevicePtr()
	if errors.Is(err, batch.ErrStaleTable) {
		if err := tc.t.Rebuild(); err != nil {
			return 0, nil, err
		}
		p, err = tc.t.DevicePtr()
	}
	return p, tc.t, err
}

func (tc *tableCache) bytes() int64 {
	if tc.t == nil {
		return 0
	}
	return tc.t.Bytes()
}

func (tc *tableCache) free() error {
	if tc.t == nil {
		return nil
	}
	err := tc.t.Free()
	tc.t = nil
	return err
}
