package batch

import (
	"fmt"

	"github.com/fxnlabs/batched-solver/internal/device"
)

// Host is a host-resident batch collection: Count matrices of Rows×Cols
// float64 stored back to back, batch index outermost.
type Host struct {
	Rows, Cols, Count int
	Layout            device.Layout
	Data              []float64
}

// NewHost allocates a zeroed host collection.
func NewHost(rows, cols, batches int, layout device.Layout) *Host {
	return &Host{
		Rows:   rows,
		Cols:   cols,
		Count:  batches,
		Layout: layout,
		Data:   make([]float64, rows*cols*batches),
	}
}

// Stride is the number of elements per matrix.
func (h *Host) Stride() int { return h.Rows * h.Cols }

func (h *Host) index(i, j, b int) int {
	return b*h.Stride() + h.Layout.Index(i, j, h.Rows, h.Cols)
}

// At returns element (i, j) of batch b.
func (h *Host) At(i, j, b int) float64 { return h.Data[h.index(i, j, b)] }

// Set assigns element (i, j) of batch b.
func (h *Host) Set(i, j, b int, v float64) { h.Data[h.index(i, j, b)] = v }

// Matrix returns the backing slice of batch b.
func (h *Host) Matrix(b int) []float64 {
	s := h.Stride()
	return h.Data[b*s : (b+1)*s : (b+1)*s]
}

// Batches returns one slice per batch, all sharing Data. This is the host
// side pointer table.
func (h *Host) Batches() [][]float64 {
	out := make([][]float64, h.Count)
	for b := range out {
		out[b] = h.Matrix(b)
	}
	return out
}

// Permute returns a copy whose batch b is batch perm[b] of h. perm must hold
// every batch index exactly once.
func (h *Host) Permute(perm []int) (*Host, error) {
	if len(perm) != h.Count {
		return nil, fmt.Errorf("%w: permutation of length %d for %d batches", ErrInvalidPermutation, len(perm), h.Count)
	}
	seen := make([]bool, h.Count)
	for b, src := range perm {
		if src < 0 || src >= h.Count {
			return nil, fmt.Errorf("%w: index %d at %d out of range", ErrInvalidPermutation, src, b)
		}
		if seen[src] {
			return nil, fmt.Errorf("%w: index %d repeated at %d", ErrInvalidPermutation, src, b)
		}
		seen[src] = true
	}
	out := NewHost(h.Rows, h.Cols, h.Count, h.Layout)
	for b, src := range perm {
		copy(out.Matrix(b), h.Matrix(src))
	}
	return out, nil
}

// To returns h converted to layout, or h itself if it already matches.
func (h *Host) To(layout device.Layout) *Host {
	if h.Layout == layout {
		return h
	}
	out := NewHost(h.Rows, h.Cols, h.Count, layout)
	for b := 0; b < h.Count; b++ {
		for i := 0; i < h.Rows; i++ {
			for j := 0; j < h.Cols; j++ {
				out.Set(i, j, b, h.At(i, j, b))
			}
		}
	}
	return out
}

// MakeTestMatrix builds batches copies of an n×n band matrix: bw+1 on the
// diagonal, -1 on the bw super-diagonals and -0.5 on the bw sub-diagonals.
// With needsPivot the (0,0) entry is replaced by n/64 so factorization has
// to interchange rows.
func MakeTestMatrix(n, bw, batches int, needsPivot bool, layout device.Layout) *Host {
	h := NewHost(n, n, batches, layout)
	for b := 0; b < batches; b++ {
		for i := 0; i < n; i++ {
			h.Set(i, i, b, float64(bw)+1)
			for d := 1; d <= bw && i+d < n; d++ {
				h.Set(i, i+d, b, -1)
				h.Set(i+d, i, b, -0.5)
			}
		}
		if needsPivot && n > 0 {
			h.Set(0, 0, b, float64(n)/64)
		}
	}
	return h
}

// MakeRHS builds batches n×nrhs right-hand sides filled by FillRHS.
func MakeRHS(n, nrhs, batches int, layout device.Layout) *Host {
	h := NewHost(n, nrhs, batches, layout)
	FillRHS(h)
	return h
}

// FillRHS sets column rhs of every batch to 1 + rhs/nrhs.
func FillRHS(h *Host) {
	for b := 0; b < h.Count; b++ {
		for i := 0; i < h.Rows; i++ {
			for rhs := 0; rhs < h.Cols; rhs++ {
				h.Set(i, rhs, b, float64(1+rhs/h.Cols))
			}
		}
	}
}
