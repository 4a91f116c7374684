package device

import (
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
)

const intSize = int64(unsafe.Sizeof(int(0)))

// axpyChunk is the number of elements one goroutine handles in Axpy.
const axpyChunk = 1 << 20

// cpuHandle runs batched LAPACK kernels from gonum on the owning device's
// arena. Each handle has its own in-order stream; launches return as soon as
// the work is queued.
//
// Scratch holds, per batch, n native ints (zero-based pivots for gonum)
// followed by n float64 (getri workspace). It is allocated from the arena on
// first use, sized for the full batch count, so it shows up in MemInfo.
type cpuHandle struct {
	dev     *CPUDevice
	arena   *arena
	workers int
	mode    ScratchMode

	stream       *stream
	scratch      Ptr
	scratchBytes int64
	destroyed    bool
}

func newCPUHandle(d *CPUDevice) *cpuHandle {
	h := &cpuHandle{
		dev:     d,
		arena:   d.arena,
		workers: d.opts.Workers,
		mode:    d.opts.ScratchMode,
		stream:  newStream(),
	}
	d.attach(h.stream)
	return h
}

func (h *cpuHandle) Device() Device { return h.dev }

func (h *cpuHandle) Policy() ScratchPolicy {
	return ScratchPolicy{Mode: h.mode, RecreateBetweenCalls: true}
}

func (h *cpuHandle) ScratchBytes() int64 { return h.scratchBytes }

func (h *cpuHandle) ScratchBound(n, nrhs, batches int) int64 {
	return alignSize(scratchSize(n, batches))
}

func scratchSize(n, batches int) int64 {
	return int64(n) * int64(batches) * (intSize + 8)
}

func (h *cpuHandle) ensureScratch(n, batches int) error {
	need := scratchSize(n, batches)
	if h.scratchBytes >= need {
		return nil
	}
	if h.scratch != 0 {
		if err := h.stream.synchronize(); err != nil {
			return err
		}
		if err := h.arena.free(h.scratch); err != nil {
			return err
		}
		h.scratch, h.scratchBytes = 0, 0
	}
	p, err := h.arena.alloc(need)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrScratchExhausted, err)
	}
	h.scratch, h.scratchBytes = p, alignSize(need)
	return nil
}

func (h *cpuHandle) check() error {
	if h.destroyed {
		return ErrHandleDestroyed
	}
	if !h.dev.live(h.arena) {
		return fmt.Errorf("CPU handle outlived its device: %w", ErrNotInitialized)
	}
	return nil
}

// eachBatch fans f out over batches on at most workers goroutines.
func (h *cpuHandle) eachBatch(batches int, f func(b int) error) error {
	var g errgroup.Group
	g.SetLimit(h.workers)
	for b := 0; b < batches; b++ {
		g.Go(func() error {
			if err := f(b); err != nil {
				return fmt.Errorf("batch %d: %w", b, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *cpuHandle) Axpy(n int, alpha float64, x, y Ptr) error {
	if err := h.check(); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: axpy n=%d", ErrInvalidValue, n)
	}
	if n == 0 {
		return nil
	}
	a := h.arena
	chunks := (n + axpyChunk - 1) / axpyChunk
	return h.stream.enqueue(func() error {
		xs, err := view[float64](a, x, n)
		if err != nil {
			return err
		}
		ys, err := view[float64](a, y, n)
		if err != nil {
			return err
		}
		return h.eachBatch(chunks, func(c int) error {
			lo := c * axpyChunk
			hi := min(lo+axpyChunk, n)
			blas64.Axpy(alpha,
				blas64.Vector{N: hi - lo, Inc: 1, Data: xs[lo:hi]},
				blas64.Vector{N: hi - lo, Inc: 1, Data: ys[lo:hi]})
			return nil
		})
	})
}

func (h *cpuHandle) GetrfBatched(n int, aTable Ptr, lda int, piv, info Ptr, batches int) error {
	if err := h.check(); err != nil {
		return err
	}
	switch {
	case n < 0:
		return fmt.Errorf("%w: getrf n=%d", ErrInvalidValue, n)
	case lda < max(1, n):
		return fmt.Errorf("%w: getrf lda=%d < n=%d", ErrInvalidValue, lda, n)
	case batches < 0:
		return fmt.Errorf("%w: getrf batches=%d", ErrInvalidValue, batches)
	}
	if n == 0 || batches == 0 {
		return nil
	}
	if err := h.ensureScratch(n, batches); err != nil {
		return err
	}
	a, scratch := h.arena, h.scratch
	return h.stream.enqueue(func() error {
		table, err := view[uint64](a, aTable, batches)
		if err != nil {
			return err
		}
		pivs, err := view[int32](a, piv, n*batches)
		if err != nil {
			return err
		}
		infos, err := view[int32](a, info, batches)
		if err != nil {
			return err
		}
		ipiv, err := view[int](a, scratch, n*batches)
		if err != nil {
			return err
		}
		return h.eachBatch(batches, func(b int) error {
			m, err := view[float64](a, Ptr(table[b]), matrixLen(n, n, lda))
			if err != nil {
				return err
			}
			bp := ipiv[b*n : (b+1)*n]
			lapack64.Getrf(blas64.General{Rows: n, Cols: n, Stride: lda, Data: m}, bp)
			infos[b] = singularIndex(m, n, lda)
			for i, p := range bp {
				pivs[b*n+i] = int32(p + 1)
			}
			return nil
		})
	})
}

func (h *cpuHandle) GetrsBatched(n, nrhs int, aTable Ptr, lda int, piv Ptr, bTable Ptr, ldb int, batches int) error {
	if err := h.check(); err != nil {
		return err
	}
	switch {
	case n < 0:
		return fmt.Errorf("%w: getrs n=%d", ErrInvalidValue, n)
	case nrhs < 0:
		return fmt.Errorf("%w: getrs nrhs=%d", ErrInvalidValue, nrhs)
	case lda < max(1, n):
		return fmt.Errorf("%w: getrs lda=%d < n=%d", ErrInvalidValue, lda, n)
	case ldb < max(1, nrhs):
		return fmt.Errorf("%w: getrs ldb=%d < nrhs=%d", ErrInvalidValue, ldb, nrhs)
	case batches < 0:
		return fmt.Errorf("%w: getrs batches=%d", ErrInvalidValue, batches)
	}
	if n == 0 || nrhs == 0 || batches == 0 {
		return nil
	}
	if err := h.ensureScratch(n, batches); err != nil {
		return err
	}
	a, scratch := h.arena, h.scratch
	return h.stream.enqueue(func() error {
		aPtrs, err := view[uint64](a, aTable, batches)
		if err != nil {
			return err
		}
		bPtrs, err := view[uint64](a, bTable, batches)
		if err != nil {
			return err
		}
		pivs, err := view[int32](a, piv, n*batches)
		if err != nil {
			return err
		}
		ipiv, err := view[int](a, scratch, n*batches)
		if err != nil {
			return err
		}
		return h.eachBatch(batches, func(b int) error {
			am, err := view[float64](a, Ptr(aPtrs[b]), matrixLen(n, n, lda))
			if err != nil {
				return err
			}
			bm, err := view[float64](a, Ptr(bPtrs[b]), matrixLen(n, nrhs, ldb))
			if err != nil {
				return err
			}
			bp := ipiv[b*n : (b+1)*n]
			for i := range bp {
				bp[i] = int(pivs[b*n+i]) - 1
			}
			lapack64.Getrs(blas.NoTrans,
				blas64.General{Rows: n, Cols: n, Stride: lda, Data: am},
				blas64.General{Rows: n, Cols: nrhs, Stride: ldb, Data: bm},
				bp)
			return nil
		})
	})
}

func (h *cpuHandle) GetriBatched(n int, aTable Ptr, lda int, piv Ptr, cTable Ptr, ldc int, info Ptr, batches int) error {
	if err := h.check(); err != nil {
		return err
	}
	switch {
	case n < 0:
		return fmt.Errorf("%w: getri n=%d", ErrInvalidValue, n)
	case lda < max(1, n):
		return fmt.Errorf("%w: getri lda=%d < n=%d", ErrInvalidValue, lda, n)
	case ldc < max(1, n):
		return fmt.Errorf("%w: getri ldc=%d < n=%d", ErrInvalidValue, ldc, n)
	case batches < 0:
		return fmt.Errorf("%w: getri batches=%d", ErrInvalidValue, batches)
	}
	if n == 0 || batches == 0 {
		return nil
	}
	if err := h.ensureScratch(n, batches); err != nil {
		return err
	}
	a, scratch := h.arena, h.scratch
	return h.stream.enqueue(func() error {
		aPtrs, err := view[uint64](a, aTable, batches)
		if err != nil {
			return err
		}
		cPtrs, err := view[uint64](a, cTable, batches)
		if err != nil {
			return err
		}
		pivs, err := view[int32](a, piv, n*batches)
		if err != nil {
			return err
		}
		infos, err := view[int32](a, info, batches)
		if err != nil {
			return err
		}
		ipiv, err := view[int](a, scratch, n*batches)
		if err != nil {
			return err
		}
		work, err := view[float64](a, scratch.Add(int64(n*batches)*intSize), n*batches)
		if err != nil {
			return err
		}
		return h.eachBatch(batches, func(b int) error {
			am, err := view[float64](a, Ptr(aPtrs[b]), matrixLen(n, n, lda))
			if err != nil {
				return err
			}
			cm, err := view[float64](a, Ptr(cPtrs[b]), matrixLen(n, n, ldc))
			if err != nil {
				return err
			}
			if infos[b] = singularIndex(am, n, lda); infos[b] != 0 {
				return nil
			}
			for i := 0; i < n; i++ {
				copy(cm[i*ldc:i*ldc+n], am[i*lda:i*lda+n])
			}
			bp := ipiv[b*n : (b+1)*n]
			for i := range bp {
				bp[i] = int(pivs[b*n+i]) - 1
			}
			lapack64.Getri(blas64.General{Rows: n, Cols: n, Stride: ldc, Data: cm}, bp, work[b*n:(b+1)*n], n)
			return nil
		})
	})
}

func (h *cpuHandle) GemmBatched(m, n, k int, alpha float64, aTable Ptr, lda int, bTable Ptr, ldb int, beta float64, cTable Ptr, ldc int, batches int) error {
	if err := h.check(); err != nil {
		return err
	}
	switch {
	case m < 0 || n < 0 || k < 0:
		return fmt.Errorf("%w: gemm m=%d n=%d k=%d", ErrInvalidValue, m, n, k)
	case lda < max(1, k):
		return fmt.Errorf("%w: gemm lda=%d < k=%d", ErrInvalidValue, lda, k)
	case ldb < max(1, n):
		return fmt.Errorf("%w: gemm ldb=%d < n=%d", ErrInvalidValue, ldb, n)
	case ldc < max(1, n):
		return fmt.Errorf("%w: gemm ldc=%d < n=%d", ErrInvalidValue, ldc, n)
	case batches < 0:
		return fmt.Errorf("%w: gemm batches=%d", ErrInvalidValue, batches)
	}
	if m == 0 || n == 0 || batches == 0 {
		return nil
	}
	a := h.arena
	return h.stream.enqueue(func() error {
		aPtrs, err := view[uint64](a, aTable, batches)
		if err != nil {
			return err
		}
		bPtrs, err := view[uint64](a, bTable, batches)
		if err != nil {
			return err
		}
		cPtrs, err := view[uint64](a, cTable, batches)
		if err != nil {
			return err
		}
		return h.eachBatch(batches, func(b int) error {
			am, err := view[float64](a, Ptr(aPtrs[b]), matrixLen(m, k, lda))
			if err != nil {
				return err
			}
			bm, err := view[float64](a, Ptr(bPtrs[b]), matrixLen(k, n, ldb))
			if err != nil {
				return err
			}
			cm, err := view[float64](a, Ptr(cPtrs[b]), matrixLen(m, n, ldc))
			if err != nil {
				return err
			}
			blas64.Gemm(blas.NoTrans, blas.NoTrans, alpha,
				blas64.General{Rows: m, Cols: k, Stride: lda, Data: am},
				blas64.General{Rows: k, Cols: n, Stride: ldb, Data: bm},
				beta,
				blas64.General{Rows: m, Cols: n, Stride: ldc, Data: cm})
			return nil
		})
	})
}

// ReleaseScratch frees the workspace. In ScratchRecreate mode the stream is
// torn down and replaced as well. Pivots and status codes live in caller
// storage, so later calls are unaffected either way.
func (h *cpuHandle) ReleaseScratch() error {
	if err := h.check(); err != nil {
		return err
	}
	if err := h.stream.synchronize(); err != nil {
		return err
	}
	if h.scratch != 0 {
		if err := h.arena.free(h.scratch); err != nil {
			return err
		}
		h.scratch, h.scratchBytes = 0, 0
	}
	if h.mode == ScratchRecreate {
		old := h.stream
		h.dev.detach(old)
		if err := old.close(); err != nil {
			return err
		}
		h.stream = newStream()
		h.dev.attach(h.stream)
	}
	return nil
}

func (h *cpuHandle) Destroy() error {
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	h.dev.detach(h.stream)
	err := h.stream.close()
	if h.scratch != 0 && h.dev.live(h.arena) {
		if ferr := h.arena.free(h.scratch); ferr != nil && err == nil {
			err = ferr
		}
		h.scratch, h.scratchBytes = 0, 0
	}
	return err
}

// matrixLen is the backing length of a rows×cols row-major matrix with the
// given stride.
func matrixLen(rows, cols, stride int) int {
	if rows == 0 || cols == 0 {
		return 0
	}
	return (rows-1)*stride + cols
}

// singularIndex returns the 1-based index of the first exactly-zero diagonal
// entry of an LU factor, or 0.
func singularIndex(m []float64, n, lda int) int32 {
	for i := 0; i < n; i++ {
		if m[i*lda+i] == 0 {
			return int32(i + 1)
		}
	}
	return 0
}
