package lu

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"

	"github.com/fxnlabs/batched-solver/internal/batch"
	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

func newTestDevice(t *testing.T, mode device.ScratchMode) device.Device {
	t.Helper()
	d := device.NewCPUDevice(zaptest.NewLogger(t), device.CPUOptions{Capacity: 256 << 20, ScratchMode: mode})
	require.NoError(t, d.Initialize())
	t.Cleanup(func() { _ = d.Cleanup() })
	return d
}

// problem is a device-resident system ready for Factorize/Solve.
type problem struct {
	hostA, hostB *batch.Host
	a, b         *batch.Collection
	aTable       *batch.PointerTable
	bTable       *batch.PointerTable
}

func newProblem(t testing.TB, d device.Device, hostA, hostB *batch.Host) *problem {
	t.Helper()
	p := &problem{hostA: hostA, hostB: hostB}
	var err error
	p.a, err = batch.NewCollection(d, hostA.Rows, hostA.Cols, hostA.Count)
	require.NoError(t, err)
	p.b, err = batch.NewCollection(d, hostB.Rows, hostB.Cols, hostB.Count)
	require.NoError(t, err)
	require.NoError(t, p.a.Upload(hostA))
	require.NoError(t, p.b.Upload(hostB))
	p.aTable, err = batch.NewPointerTable(p.a)
	require.NoError(t, err)
	p.bTable, err = batch.NewPointerTable(p.b)
	require.NoError(t, err)
	return p
}

func newHandle(t testing.TB, d device.Device) device.Handle {
	t.Helper()
	h, err := d.NewHandle()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Destroy() })
	return h
}

// assertSolves checks that every batch's residual A·x - b is small relative
// to ‖A‖·‖x‖ + ‖b‖, which partial-pivoting LU guarantees whatever the
// conditioning.
func assertSolves(t *testing.T, hostA, hostB, x *batch.Host) {
	t.Helper()
	a := hostA.To(device.RowMajor)
	b := hostB.To(device.RowMajor)
	x = x.To(device.RowMajor)
	n, nrhs := a.Rows, b.Cols
	for k := 0; k < a.Count; k++ {
		am := mat.NewDense(n, n, a.Matrix(k))
		xm := mat.NewDense(n, nrhs, x.Matrix(k))
		bm := mat.NewDense(n, nrhs, b.Matrix(k))

		var r mat.Dense
		r.Mul(am, xm)
		r.Sub(&r, bm)
		bound := 1e-12 * (mat.Norm(am, math.Inf(1))*mat.Norm(xm, math.Inf(1)) + mat.Norm(bm, math.Inf(1)))
		assert.LessOrEqual(t, mat.Norm(&r, math.Inf(1)), bound, "batch %d residual too large", k)
		for _, v := range x.Matrix(k) {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "batch %d has non-finite solution", k)
		}
	}
}

func TestFactorizeSolveRoundTrip(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	h := newHandle(t, d)

	const n, bw, batches, nrhs = 48, 6, 5, 2
	p := newProblem(t, d,
		batch.MakeTestMatrix(n, bw, batches, true, d.Layout()),
		batch.MakeRHS(n, nrhs, batches, d.Layout()))

	f, err := New(d, n, batches)
	require.NoError(t, err)
	defer f.Free()
	assert.Equal(t, int64(n*batches*4+batches*4), f.DeviceBytes())

	require.NoError(t, f.Factorize(h, p.aTable))
	assert.Equal(t, make([]int32, batches), f.Status())

	require.NoError(t, h.ReleaseScratch())
	require.NoError(t, f.Solve(h, p.bTable))

	x, err := p.b.ToHost()
	require.NoError(t, err)
	assertSolves(t, p.hostA, p.hostB, x)
}

func TestHandleRecreatedBetweenFactorizeAndSolve(t *testing.T) {
	for _, mode := range []device.ScratchMode{device.ScratchResize, device.ScratchRecreate} {
		t.Run(string(mode), func(t *testing.T) {
			d := newTestDevice(t, mode)
			const n, bw, batches = 32, 4, 3
			hostA := batch.MakeTestMatrix(n, bw, batches, true, d.Layout())
			hostB := batch.MakeRHS(n, 1, batches, d.Layout())

			// release scratch on one handle
			kept := newProblem(t, d, hostA, hostB)
			h := newHandle(t, d)
			f1, err := New(d, n, batches)
			require.NoError(t, err)
			require.NoError(t, f1.Factorize(h, kept.aTable))
			require.NoError(t, h.ReleaseScratch())
			require.NoError(t, f1.Solve(h, kept.bTable))

			// destroy the handle and solve with a fresh one
			recreated := newProblem(t, d, hostA, hostB)
			first, err := d.NewHandle()
			require.NoError(t, err)
			f2, err := New(d, n, batches)
			require.NoError(t, err)
			require.NoError(t, f2.Factorize(first, recreated.aTable))
			require.NoError(t, first.Destroy())
			second := newHandle(t, d)
			require.True(t, second.Policy().RecreateBetweenCalls)
			require.NoError(t, f2.Solve(second, recreated.bTable))

			x1, err := kept.b.ToHost()
			require.NoError(t, err)
			x2, err := recreated.b.ToHost()
			require.NoError(t, err)
			assert.Equal(t, x1.Data, x2.Data)
		})
	}
}

func TestFactorizeReportsSingularBatches(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	h := newHandle(t, d)

	const n, batches = 8, 4
	hostA := batch.MakeTestMatrix(n, 1, batches, false, d.Layout())
	for _, k := range []int{1, 3} {
		clear(hostA.Matrix(k))
	}
	p := newProblem(t, d, hostA, batch.MakeRHS(n, 1, batches, d.Layout()))

	f, err := New(d, n, batches)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.FactorizationFailures)
	err = f.Factorize(h, p.aTable)

	var ferr *FactorizationError
	require.True(t, errors.As(err, &ferr), "got %v", err)
	assert.Equal(t, []int{1, 3}, ferr.Batches())
	assert.Equal(t, batches, ferr.Total)
	assert.Equal(t, []int32{0, 1, 0, 1}, f.Status())
	assert.Contains(t, err.Error(), "failed for 2 of 4 batches: batch 1")
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.FactorizationFailures))

	// a failed factorization must never feed a solve
	assert.ErrorIs(t, f.Solve(h, p.bTable), ErrNotFactorized)
}

func TestFactorizationErrorListing(t *testing.T) {
	e := &FactorizationError{Total: 100}
	for b := 0; b < 20; b++ {
		e.Failed = append(e.Failed, BatchStatus{Batch: b, Code: 1})
	}
	msg := e.Error()
	assert.Contains(t, msg, "batch 15 (U(1,1) is zero) and 4 more")
	assert.NotContains(t, msg, "batch 16 ")
}

func TestSolveWithoutFactorization(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	h := newHandle(t, d)
	p := newProblem(t, d,
		batch.MakeTestMatrix(4, 1, 2, false, d.Layout()),
		batch.MakeRHS(4, 1, 2, d.Layout()))

	f, err := New(d, 4, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Solve(h, p.bTable), ErrNotFactorized)
	assert.ErrorIs(t, f.Invert(h, p.aTable), ErrNotFactorized)
}

func TestShapeMismatch(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	h := newHandle(t, d)
	p := newProblem(t, d,
		batch.MakeTestMatrix(4, 1, 2, false, d.Layout()),
		batch.MakeRHS(4, 1, 2, d.Layout()))

	wrongN, err := New(d, 5, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, wrongN.Factorize(h, p.aTable), ErrShapeMismatch)

	f, err := New(d, 4, 2)
	require.NoError(t, err)
	require.NoError(t, f.Factorize(h, p.aTable))

	other := newProblem(t, d,
		batch.MakeTestMatrix(4, 1, 3, false, d.Layout()),
		batch.MakeRHS(4, 1, 3, d.Layout()))
	assert.ErrorIs(t, f.Solve(h, other.bTable), ErrShapeMismatch)
}

func TestStaleTableIsRejected(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	h := newHandle(t, d)
	p := newProblem(t, d,
		batch.MakeTestMatrix(4, 1, 2, false, d.Layout()),
		batch.MakeRHS(4, 1, 2, d.Layout()))

	f, err := New(d, 4, 2)
	require.NoError(t, err)
	require.NoError(t, f.Factorize(h, p.aTable))

	require.NoError(t, p.b.Realloc())
	assert.ErrorIs(t, f.Solve(h, p.bTable), batch.ErrStaleTable)

	require.NoError(t, p.a.Realloc())
	require.NoError(t, p.bTable.Rebuild())
	assert.ErrorIs(t, f.Solve(h, p.bTable), batch.ErrStaleTable)
}

func TestHandleFromAnotherDevice(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	other := newTestDevice(t, device.ScratchResize)
	p := newProblem(t, d,
		batch.MakeTestMatrix(4, 1, 2, false, d.Layout()),
		batch.MakeRHS(4, 1, 2, d.Layout()))

	f, err := New(d, 4, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Factorize(newHandle(t, other), p.aTable), device.ErrInvalidValue)
}

func TestInvert(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)
	h := newHandle(t, d)

	const n, batches = 12, 3
	hostA := batch.MakeTestMatrix(n, 3, batches, true, d.Layout())
	p := newProblem(t, d, hostA, batch.MakeRHS(n, 1, batches, d.Layout()))
	inv, err := batch.NewCollection(d, n, n, batches)
	require.NoError(t, err)
	invTable, err := batch.NewPointerTable(inv)
	require.NoError(t, err)

	f, err := New(d, n, batches)
	require.NoError(t, err)
	require.NoError(t, f.Factorize(h, p.aTable))
	require.NoError(t, h.ReleaseScratch())
	require.NoError(t, f.Invert(h, invTable))

	got, err := inv.ToHost()
	require.NoError(t, err)
	a := hostA.To(device.RowMajor)
	got = got.To(device.RowMajor)
	for k := 0; k < batches; k++ {
		am := mat.NewDense(n, n, a.Matrix(k))
		ainv := mat.NewDense(n, n, got.Matrix(k))
		var r mat.Dense
		r.Mul(am, ainv)
		for i := 0; i < n; i++ {
			r.Set(i, i, r.At(i, i)-1)
		}
		bound := 1e-12 * float64(n) * mat.Norm(am, math.Inf(1)) * mat.Norm(ainv, math.Inf(1))
		assert.LessOrEqual(t, mat.Norm(&r, math.Inf(1)), bound, "batch %d", k)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	d := newTestDevice(t, device.ScratchResize)

	f, err := New(d, 16, 4)
	require.NoError(t, err)
	require.NoError(t, f.Free())
	require.NoError(t, f.Free())
	assert.Zero(t, f.DeviceBytes())

	mi, err := d.MemInfo()
	require.NoError(t, err)
	assert.Zero(t, mi.Used())

	_, err = New(d, 0, 4)
	assert.ErrorIs(t, err, device.ErrInvalidValue)
}
