package device

import (
	"fmt"
	"unsafe"
)

// Elem is an element type that can live in device memory.
type Elem interface {
	~float64 | ~int32 | ~uint64
}

// SizeOf returns the size in bytes of one T.
func SizeOf[T Elem]() int64 {
	var v T
	return int64(unsafe.Sizeof(v))
}

// AsBytes reinterprets a slice as its raw bytes without copying.
func AsBytes[T Elem](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(SizeOf[T]()))
}

// Array is a typed, fixed-length device allocation.
type Array[T Elem] struct {
	dev Device
	ptr Ptr
	n   int
}

// NewArray allocates n elements of T on dev.
func NewArray[T Elem](dev Device, n int) (*Array[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrInvalidValue, n)
	}
	ptr, err := dev.Malloc(int64(n) * SizeOf[T]())
	if err != nil {
		return nil, err
	}
	return &Array[T]{dev: dev, ptr: ptr, n: n}, nil
}

func (a *Array[T]) Ptr() Ptr { return a.ptr }

func (a *Array[T]) Len() int { return a.n }

func (a *Array[T]) Bytes() int64 { return int64(a.n) * SizeOf[T]() }

// Upload copies src (length Len) from the host.
func (a *Array[T]) Upload(src []T) error {
	if len(src) != a.n {
		return fmt.Errorf("%w: upload of %d elements into array of %d", ErrInvalidValue, len(src), a.n)
	}
	return a.dev.CopyHtoD(a.ptr, AsBytes(src))
}

// Download copies the array into dst (length Len).
func (a *Array[T]) Download(dst []T) error {
	if len(dst) != a.n {
		return fmt.Errorf("%w: download of %d elements into slice of %d", ErrInvalidValue, a.n, len(dst))
	}
	return a.dev.CopyDtoH(AsBytes(dst), a.ptr)
}

// ToHost returns a fresh host copy of the array.
func (a *Array[T]) ToHost() ([]T, error) {
	out := make([]T, a.n)
	if err := a.Download(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Free releases the allocation. It is safe to call more than once.
func (a *Array[T]) Free() error {
	if a.ptr == 0 {
		return nil
	}
	err := a.dev.Free(a.ptr)
	a.ptr = 0
	return err
}
