package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upload places each row-major matrix in its own allocation and returns a
// device pointer table for them.
func upload(t *testing.T, d Device, mats ...[]float64) (table Ptr, ptrs []Ptr) {
	t.Helper()
	ptrs = make([]Ptr, len(mats))
	addrs := make([]uint64, len(mats))
	for i, m := range mats {
		p, err := d.Malloc(int64(len(m)) * 8)
		require.NoError(t, err)
		require.NoError(t, d.CopyHtoD(p, AsBytes(m)))
		ptrs[i], addrs[i] = p, uint64(p)
	}
	tbl, err := NewArray[uint64](d, len(addrs))
	require.NoError(t, err)
	require.NoError(t, tbl.Upload(addrs))
	return tbl.Ptr(), ptrs
}

func download(t *testing.T, d Device, p Ptr, n int) []float64 {
	t.Helper()
	out := make([]float64, n)
	require.NoError(t, d.CopyDtoH(AsBytes(out), p))
	return out
}

func newTestHandle(t *testing.T, d Device) Handle {
	t.Helper()
	h, err := d.NewHandle()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Destroy() })
	return h
}

func TestCPUHandleFactorizeAndSolve(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	aTable, aPtrs := upload(t, d,
		[]float64{4, 3, 6, 3},
		[]float64{2, 0, 0, 4},
	)
	bTable, bPtrs := upload(t, d,
		[]float64{10, 12},
		[]float64{2, 8},
	)
	piv, err := NewArray[int32](d, 4)
	require.NoError(t, err)
	info, err := NewArray[int32](d, 2)
	require.NoError(t, err)

	require.NoError(t, h.GetrfBatched(2, aTable, 2, piv.Ptr(), info.Ptr(), 2))
	require.NoError(t, d.Synchronize())

	infos, err := info.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0}, infos)

	pivots, err := piv.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 2, 1, 2}, pivots)

	require.NoError(t, h.ReleaseScratch())
	require.NoError(t, h.GetrsBatched(2, 1, aTable, 2, piv.Ptr(), bTable, 1, 2))
	require.NoError(t, d.Synchronize())

	assert.InDeltaSlice(t, []float64{1, 2}, download(t, d, bPtrs[0], 2), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2}, download(t, d, bPtrs[1], 2), 1e-12)

	// the factor stays in place
	lu := download(t, d, aPtrs[1], 4)
	assert.Equal(t, []float64{2, 0, 0, 4}, lu)
}

func TestCPUHandleSingularStatus(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	aTable, _ := upload(t, d,
		[]float64{1, 2, 2, 4},
		[]float64{0, 0, 0, 0},
		[]float64{1, 0, 0, 1},
	)
	piv, err := NewArray[int32](d, 6)
	require.NoError(t, err)
	info, err := NewArray[int32](d, 3)
	require.NoError(t, err)

	require.NoError(t, h.GetrfBatched(2, aTable, 2, piv.Ptr(), info.Ptr(), 3))
	infos, err := info.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1, 0}, infos)
}

func TestCPUHandleInvert(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	aTable, _ := upload(t, d, []float64{4, 7, 2, 6})
	cTable, cPtrs := upload(t, d, make([]float64, 4))
	piv, err := NewArray[int32](d, 2)
	require.NoError(t, err)
	info, err := NewArray[int32](d, 1)
	require.NoError(t, err)

	require.NoError(t, h.GetrfBatched(2, aTable, 2, piv.Ptr(), info.Ptr(), 1))
	require.NoError(t, h.ReleaseScratch())
	require.NoError(t, h.GetriBatched(2, aTable, 2, piv.Ptr(), cTable, 2, info.Ptr(), 1))

	got := download(t, d, cPtrs[0], 4)
	assert.InDeltaSlice(t, []float64{0.6, -0.7, -0.2, 0.4}, got, 1e-12)
}

func TestCPUHandleGemm(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	aTable, _ := upload(t, d, []float64{1, 2, 3, 4})
	bTable, _ := upload(t, d, []float64{5, 6, 7, 8})
	cTable, cPtrs := upload(t, d, []float64{1, 1, 1, 1})

	require.NoError(t, h.GemmBatched(2, 2, 2, 1, aTable, 2, bTable, 2, 1, cTable, 2, 1))
	assert.Equal(t, []float64{20, 23, 44, 51}, download(t, d, cPtrs[0], 4))
}

func TestCPUHandleAxpy(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	const n = axpyChunk + 3
	x, err := NewArray[float64](d, n)
	require.NoError(t, err)
	y, err := NewArray[float64](d, n)
	require.NoError(t, err)

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = 1
		ys[i] = float64(i)
	}
	require.NoError(t, x.Upload(xs))
	require.NoError(t, y.Upload(ys))

	require.NoError(t, h.Axpy(n, 2, x.Ptr(), y.Ptr()))
	got, err := y.ToHost()
	require.NoError(t, err)
	assert.Equal(t, 2.0, got[0])
	assert.Equal(t, float64(n-1)+2, got[n-1])
}

func TestCPUHandleInvalidArguments(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	assert.ErrorIs(t, h.GetrfBatched(-1, 0, 1, 0, 0, 1), ErrInvalidValue)
	assert.ErrorIs(t, h.GetrfBatched(4, 0, 3, 0, 0, 1), ErrInvalidValue)
	assert.ErrorIs(t, h.GetrsBatched(4, 2, 0, 4, 0, 0, 1, 1), ErrInvalidValue)
	assert.ErrorIs(t, h.GemmBatched(2, 2, 2, 1, 0, 1, 0, 2, 0, 0, 2, 1), ErrInvalidValue)
	assert.ErrorIs(t, h.Axpy(-1, 1, 0, 0), ErrInvalidValue)

	// empty work is accepted without touching memory
	assert.NoError(t, h.GetrfBatched(0, 0, 1, 0, 0, 5))
	assert.NoError(t, h.GetrsBatched(2, 1, 0, 2, 0, 0, 1, 0))
}

func TestCPUHandleStalePointerIsReportedOnSynchronize(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)

	aTable, aPtrs := upload(t, d, []float64{1, 0, 0, 1})
	piv, err := NewArray[int32](d, 2)
	require.NoError(t, err)
	info, err := NewArray[int32](d, 1)
	require.NoError(t, err)
	require.NoError(t, d.Free(aPtrs[0]))

	// launches are asynchronous; the bad address surfaces on synchronize
	require.NoError(t, h.GetrfBatched(2, aTable, 2, piv.Ptr(), info.Ptr(), 1))
	assert.ErrorIs(t, d.Synchronize(), ErrInvalidPointer)
	assert.NoError(t, d.Synchronize())
}

func TestCPUHandleScratchRelease(t *testing.T) {
	for _, mode := range []ScratchMode{ScratchResize, ScratchRecreate} {
		t.Run(string(mode), func(t *testing.T) {
			d := newTestDevice(t, mode)
			h := newTestHandle(t, d)
			assert.Equal(t, ScratchPolicy{Mode: mode, RecreateBetweenCalls: true}, h.Policy())

			aTable, _ := upload(t, d, []float64{4, 3, 6, 3})
			bTable, bPtrs := upload(t, d, []float64{10, 12})
			piv, err := NewArray[int32](d, 2)
			require.NoError(t, err)
			info, err := NewArray[int32](d, 1)
			require.NoError(t, err)

			baseline, err := d.MemInfo()
			require.NoError(t, err)

			require.NoError(t, h.GetrfBatched(2, aTable, 2, piv.Ptr(), info.Ptr(), 1))
			require.NoError(t, d.Synchronize())
			assert.Positive(t, h.ScratchBytes())
			assert.LessOrEqual(t, h.ScratchBytes(), h.ScratchBound(2, 1, 1))

			peak, err := d.MemInfo()
			require.NoError(t, err)
			assert.Equal(t, baseline.Used()+uint64(h.ScratchBytes()), peak.Used())

			require.NoError(t, h.ReleaseScratch())
			assert.Zero(t, h.ScratchBytes())
			released, err := d.MemInfo()
			require.NoError(t, err)
			assert.Equal(t, baseline, released)

			require.NoError(t, h.GetrsBatched(2, 1, aTable, 2, piv.Ptr(), bTable, 1, 1))
			assert.InDeltaSlice(t, []float64{1, 2}, download(t, d, bPtrs[0], 2), 1e-12)
		})
	}
}

func TestCPUHandleFreshHandleSolvesIdentically(t *testing.T) {
	d := newTestDevice(t, ScratchResize)

	aTable, _ := upload(t, d, []float64{3, 1, 2, 1, 4, 1, 2, 1, 5})
	bTable, bPtrs := upload(t, d, []float64{6, 6, 8})
	piv, err := NewArray[int32](d, 3)
	require.NoError(t, err)
	info, err := NewArray[int32](d, 1)
	require.NoError(t, err)

	first, err := d.NewHandle()
	require.NoError(t, err)
	require.NoError(t, first.GetrfBatched(3, aTable, 3, piv.Ptr(), info.Ptr(), 1))
	require.NoError(t, first.Destroy())

	second := newTestHandle(t, d)
	require.NoError(t, second.GetrsBatched(3, 1, aTable, 3, piv.Ptr(), bTable, 1, 1))
	assert.InDeltaSlice(t, []float64{1, 1, 1}, download(t, d, bPtrs[0], 3), 1e-12)
}

func TestCPUHandleDestroyed(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h, err := d.NewHandle()
	require.NoError(t, err)

	require.NoError(t, h.Destroy())
	assert.NoError(t, h.Destroy())
	assert.ErrorIs(t, h.GetrfBatched(2, 0, 2, 0, 0, 1), ErrHandleDestroyed)
	assert.ErrorIs(t, h.Axpy(1, 1, 0, 0), ErrHandleDestroyed)
	assert.ErrorIs(t, h.ReleaseScratch(), ErrHandleDestroyed)
}

func TestCPUHandleAfterDeviceCleanup(t *testing.T) {
	d := newTestDevice(t, ScratchResize)
	h := newTestHandle(t, d)
	p, err := d.Malloc(32)
	require.NoError(t, err)

	require.NoError(t, d.Cleanup())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, h.Axpy(4, 1, p, p), ErrNotInitialized)
	})
	assert.ErrorIs(t, h.GetrfBatched(2, p, 2, p, p, 1), ErrNotInitialized)
	assert.ErrorIs(t, h.ReleaseScratch(), ErrNotInitialized)

	// a fresh arena after re-initialization does not revive the handle
	require.NoError(t, d.Initialize())
	assert.ErrorIs(t, h.Axpy(4, 1, p, p), ErrNotInitialized)
	assert.NoError(t, h.Destroy())
}
