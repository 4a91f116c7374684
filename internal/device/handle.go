package device

// ScratchMode names the primitive a backend uses to give scratch memory back.
type ScratchMode string

const (
	// ScratchResize shrinks the handle workspace to zero and keeps the handle.
	ScratchResize ScratchMode = "resize"
	// ScratchRecreate tears the backend context down and builds a new one.
	ScratchRecreate ScratchMode = "recreate"
)

// ScratchPolicy documents how a backend maps ReleaseScratch and Destroy onto
// real primitives.
type ScratchPolicy struct {
	Mode ScratchMode
	// RecreateBetweenCalls is true when destroying the handle after a batched
	// factorization and solving with a fresh handle gives identical results.
	RecreateBetweenCalls bool
}

// Handle is an opaque compute context bound to one Device. It owns the
// backend library state and scratch memory used by batched calls. A Handle
// is not safe for concurrent use.
//
// All batched operations take device pointer tables: device arrays of
// `batches` Ptr values, one per batch, each pointing at that batch's matrix.
// Matrices use the device's Layout with the given leading dimension.
type Handle interface {
	Device() Device

	Policy() ScratchPolicy

	// ScratchBytes reports the device memory currently held as scratch.
	ScratchBytes() int64

	// ScratchBound is the most scratch memory a factorize/solve cycle of the
	// given shape may hold.
	ScratchBound(n, nrhs, batches int) int64

	// Axpy computes y = alpha*x + y over n float64 elements.
	Axpy(n int, alpha float64, x, y Ptr) error

	// GetrfBatched LU-factorizes each n×n matrix in place with partial
	// pivoting. piv receives n 1-based pivot indices per batch and info one
	// status code per batch: 0 ok, k>0 when U(k,k) (1-based) is exactly zero.
	GetrfBatched(n int, aTable Ptr, lda int, piv, info Ptr, batches int) error

	// GetrsBatched solves A·X = B in place in B using a GetrfBatched result.
	GetrsBatched(n, nrhs int, aTable Ptr, lda int, piv Ptr, bTable Ptr, ldb int, batches int) error

	// GetriBatched writes the inverse of each factorized A into C.
	GetriBatched(n int, aTable Ptr, lda int, piv Ptr, cTable Ptr, ldc int, info Ptr, batches int) error

	// GemmBatched computes C = alpha·A·B + beta·C per batch, A m×k, B k×n.
	GemmBatched(m, n, k int, alpha float64, aTable Ptr, lda int, bTable Ptr, ldb int, beta float64, cTable Ptr, ldc int, batches int) error

	// ReleaseScratch gives the handle's scratch memory back to the device
	// without invalidating results of earlier calls. Callers use it between
	// a factorization and the solves that follow it.
	ReleaseScratch() error

	// Destroy releases the handle. Calls after Destroy fail with
	// ErrHandleDestroyed; a second Destroy is a no-op.
	Destroy() error
}
