package device

import (
	"errors"
	"fmt"
)

// Ptr is a raw device address. It is only meaningful to the Device that
// returned it.
type Ptr uint64

// Add returns p advanced by n bytes.
func (p Ptr) Add(n int64) Ptr {
	return p + Ptr(n)
}

// Layout is the element order a backend uses for matrices inside a batch.
type Layout int

const (
	// RowMajor stores rows contiguously (gonum convention).
	RowMajor Layout = iota
	// ColMajor stores columns contiguously (cuBLAS convention).
	ColMajor
)

func (l Layout) String() string {
	if l == ColMajor {
		return "col-major"
	}
	return "row-major"
}

// Index returns the element offset of (i, j) in a rows×cols matrix.
func (l Layout) Index(i, j, rows, cols int) int {
	if l == ColMajor {
		return j*rows + i
	}
	return i*cols + j
}

// Leading returns the leading dimension of a dense rows×cols matrix.
func (l Layout) Leading(rows, cols int) int {
	if l == ColMajor {
		return rows
	}
	return cols
}

// DeviceInfo contains information about the compute device
type DeviceInfo struct {
	Name              string `json:"name"`
	Backend           string `json:"backend"`
	TotalMemory       int64  `json:"totalMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
	CUDAVersion       string `json:"cudaVersion,omitempty"`
}

// MemInfo is a device memory reading in bytes.
type MemInfo struct {
	Free  uint64
	Total uint64
}

// Used returns Total - Free.
func (m MemInfo) Used() uint64 {
	if m.Free > m.Total {
		return 0
	}
	return m.Total - m.Free
}

var (
	ErrNotInitialized   = errors.New("device not initialized")
	ErrHandleDestroyed  = errors.New("handle destroyed")
	ErrInvalidValue     = errors.New("invalid value")
	ErrInvalidPointer   = errors.New("invalid device pointer")
	ErrNotAvailable     = errors.New("device not available")
	ErrUnknownBackend   = errors.New("unknown backend")
	ErrScratchExhausted = errors.New("scratch allocation failed")
)

// OutOfMemoryError is returned when a device allocation cannot be satisfied.
type OutOfMemoryError struct {
	Requested int64
	Free      int64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of device memory: requested %d bytes, %d free", e.Requested, e.Free)
}

// Device is a compute device holding its own memory.
//
// Implementations:
//   - CPUDevice emulates an accelerator in host memory and runs kernels with gonum
//   - CUDADevice (cuda build tag) drives an NVIDIA GPU through cuBLAS
//
// Copies between host and device block until they complete and synchronize
// outstanding device work first. Kernel launches issued through a Handle are
// asynchronous; Synchronize waits for them.
type Device interface {
	// Name returns the backend name ("cpu", "cuda").
	Name() string

	// IsAvailable reports whether the backend can be initialized
	IsAvailable() bool

	// Initialize prepares the device. It is idempotent.
	Initialize() error

	// Cleanup releases every resource held by the device.
	Cleanup() error

	GetDeviceInfo() DeviceInfo

	// Layout is the matrix element order the batched kernels expect.
	Layout() Layout

	// MemInfo reports free and total device memory.
	MemInfo() (MemInfo, error)

	// Synchronize blocks until all issued device work has completed and
	// returns the first error raised by that work.
	Synchronize() error

	// Wait blocks like Synchronize but leaves errors raised by device work
	// to be reported by the next Synchronize. Observers use it.
	Wait() error

	Malloc(bytes int64) (Ptr, error)
	Free(p Ptr) error

	CopyHtoD(dst Ptr, src []byte) error
	CopyDtoH(dst []byte, src Ptr) error
	CopyDtoD(dst, src Ptr, bytes int64) error

	// NewHandle creates a compute context bound to this device.
	NewHandle() (Handle, error)
}
