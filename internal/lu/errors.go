package lu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxnlabs/batched-solver/internal/batch"
)

var (
	ErrNotFactorized = errors.New("no successful factorization")
	ErrShapeMismatch = batch.ErrShapeMismatch
)

// maxListed bounds how many failing batches Error spells out.
const maxListed = 16

// BatchStatus is the factorization outcome of one batch. Code k > 0 means
// U(k,k) (1-based) is exactly zero.
type BatchStatus struct {
	Batch int
	Code  int32
}

// FactorizationError reports every batch of a batched LU factorization that
// came back singular.
type FactorizationError struct {
	Total  int
	Failed []BatchStatus
}

func (e *FactorizationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "LU factorization failed for %d of %d batches:", len(e.Failed), e.Total)
	for i, f := range e.Failed {
		if i == maxListed {
			fmt.Fprintf(&sb, " and %d more", len(e.Failed)-maxListed)
			break
		}
		fmt.Fprintf(&sb, " batch %d (U(%d,%d) is zero)", f.Batch, f.Code, f.Code)
		if i < len(e.Failed)-1 && i < maxListed-1 {
			sb.WriteByte(',')
		}
	}
	return sb.String()
}

// Batches returns the failing batch indices in ascending order.
func (e *FactorizationError) Batches() []int {
	out := make([]int, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f.Batch
	}
	return out
}
