// Package lu sequences batched LU factorization and triangular solves over
// pointer tables, keeping the pivots and status codes on the device between
// the two.
package lu

import (
	"fmt"
	"time"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

// Factorization owns the pivot and status storage of one batch shape. A
// successful Factorize leaves L and U in place of the factored matrices;
// Solve and Invert then reuse them.
type Factorization struct {
	dev        device.Device
	n, batches int

	piv  *device.Array[int32]
	info *device.Array[int32]

	status []int32
	a      *batch.PointerTable
}

// New allocates pivots and status codes for batches n×n matrices on dev.
func New(dev device.Device, n, batches int) (*Factorization, error) {
	if n < 1 || batches < 1 {
		return nil, fmt.Errorf("%w: n=%d batches=%d", device.ErrInvalidValue, n, batches)
	}
	piv, err := device.NewArray[int32](dev, n*batches)
	if err != nil {
		return nil, fmt.Errorf("allocating pivots: %w", err)
	}
	info, err := device.NewArray[int32](dev, batches)
	if err != nil {
		_ = piv.Free()
		return nil, fmt.Errorf("allocating status codes: %w", err)
	}
	return &Factorization{dev: dev, n: n, batches: batches, piv: piv, info: info}, nil
}

func (f *Factorization) N() int { return f.n }

func (f *Factorization) Batches() int { return f.batches }

func (f *Factorization) checkHandle(h device.Handle) error {
	if f.piv == nil {
		return fmt.Errorf("factorization: %w", batch.ErrFreed)
	}
	if h.Device() != f.dev {
		return fmt.Errorf("%w: handle is bound to another device", device.ErrInvalidValue)
	}
	return nil
}

func (f *Factorization) checkShape(t *batch.PointerTable, cols int) error {
	c := t.Collection()
	if c.Rows() != f.n || c.Batches() != f.batches || (cols > 0 && c.Cols() != cols) {
		return fmt.Errorf("%w: %dx%dx%d against factorization of %d batches of %dx%d",
			ErrShapeMismatch, c.Rows(), c.Cols(), c.Batches(), f.batches, f.n, f.n)
	}
	return nil
}

// timed runs launch, waits for the device and records the call duration.
func (f *Factorization) timed(op string, launch func() error) error {
	start := time.Now()
	err := launch()
	if err == nil {
		err = f.dev.Synchronize()
	}
	metrics.BatchedCallDuration.WithLabelValues(op, f.dev.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.BatchesProcessed.WithLabelValues(op).Add(float64(f.batches))
	return nil
}

// Factorize LU-factorizes every matrix in a in place with one batched call,
// then checks every status code. Singular batches do not stop the others;
// they are all listed in the returned *FactorizationError.
func (f *Factorization) Factorize(h device.Handle, a *batch.PointerTable) error {
	if err := f.checkHandle(h); err != nil {
		return err
	}
	if err := f.checkShape(a, f.n); err != nil {
		return err
	}
	aPtr, err := a.DevicePtr()
	if err != nil {
		return err
	}

	f.a = nil
	err = f.timed("getrf", func() error {
		return h.GetrfBatched(f.n, aPtr, a.Collection().Leading(), f.piv.Ptr(), f.info.Ptr(), f.batches)
	})
	if err != nil {
		return err
	}
	if err := f.readStatus(); err != nil {
		return err
	}
	f.a = a
	return nil
}

// readStatus downloads the status codes and turns nonzero ones into errors.
func (f *Factorization) readStatus() error {
	status, err := f.info.ToHost()
	if err != nil {
		return fmt.Errorf("reading status codes: %w", err)
	}
	f.status = status

	var failed []BatchStatus
	for b, code := range status {
		switch {
		case code < 0:
			return fmt.Errorf("%w: batch %d argument %d", device.ErrInvalidValue, b, -code)
		case code > 0:
			failed = append(failed, BatchStatus{Batch: b, Code: code})
		}
	}
	if len(failed) > 0 {
		metrics.FactorizationFailures.Add(float64(len(failed)))
		return &FactorizationError{Total: f.batches, Failed: failed}
	}
	return nil
}

// Status returns the status codes of the last factorization.
func (f *Factorization) Status() []int32 {
	return append([]int32(nil), f.status...)
}

// Solve overwrites every right-hand side in b with the solution of A·X = B
// using the stored factorization.
func (f *Factorization) Solve(h device.Handle, b *batch.PointerTable) error {
	aPtr, err := f.factored(h)
	if err != nil {
		return err
	}
	if err := f.checkShape(b, 0); err != nil {
		return err
	}
	bPtr, err := b.DevicePtr()
	if err != nil {
		return err
	}
	rhs := b.Collection()
	return f.timed("getrs", func() error {
		return h.GetrsBatched(f.n, rhs.Cols(), aPtr, f.a.Collection().Leading(), f.piv.Ptr(), bPtr, rhs.Leading(), f.batches)
	})
}

// Invert writes the inverse of every factored matrix into c.
func (f *Factorization) Invert(h device.Handle, c *batch.PointerTable) error {
	aPtr, err := f.factored(h)
	if err != nil {
		return err
	}
	if err := f.checkShape(c, f.n); err != nil {
		return err
	}
	cPtr, err := c.DevicePtr()
	if err != nil {
		return err
	}
	err = f.timed("getri", func() error {
		return h.GetriBatched(f.n, aPtr, f.a.Collection().Leading(), f.piv.Ptr(), cPtr, c.Collection().Leading(), f.info.Ptr(), f.batches)
	})
	if err != nil {
		return err
	}
	return f.readStatus()
}

func (f *Factorization) factored(h device.Handle) (device.Ptr, error) {
	if err := f.checkHandle(h); err != nil {
		return 0, err
	}
	if f.a == nil {
		return 0, ErrNotFactorized
	}
	return f.a.DevicePtr()
}

// DeviceBytes is the device memory held for pivots and status codes.
func (f *Factorization) DeviceBytes() int64 {
	if f.piv == nil {
		return 0
	}
	return f.piv.Bytes() + f.info.Bytes()
}

// Free releases pivots and status codes. It is safe to call more than once.
func (f *Factorization) Free() error {
	if f.piv == nil {
		return nil
	}
	err := f.piv.Free()
	if ierr := f.info.Free(); err == nil {
		err = ierr
	}
	f.piv, f.info, f.a = nil, nil, nil
	return err
}
