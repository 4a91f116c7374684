package device

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

const (
	// arenaAlign matches the allocation granularity of CUDA's allocator so the
	// emulated usage numbers move the way a real device's would.
	arenaAlign = 256
	arenaBase  = Ptr(1 << 32)
)

func alignSize(n int64) int64 {
	if n <= 0 {
		return arenaAlign
	}
	return ((n + arenaAlign - 1) / arenaAlign) * arenaAlign
}

type allocation struct {
	base  Ptr
	size  int64
	words []uint64
}

func (a *allocation) contains(p Ptr, n int64) bool {
	return p >= a.base && int64(p-a.base)+n <= a.size
}

// arena hands out emulated device memory. Addresses are never reused, so a
// pointer into a freed allocation always fails to resolve.
type arena struct {
	mu       sync.RWMutex
	capacity int64
	used     int64
	next     Ptr
	allocs   []*allocation // sorted by base
}

func newArena(capacity int64) *arena {
	return &arena{capacity: capacity, next: arenaBase}
}

func (a *arena) alloc(n int64) (Ptr, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: negative allocation size %d", ErrInvalidValue, n)
	}
	size := alignSize(n)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+size > a.capacity {
		return 0, &OutOfMemoryError{Requested: n, Free: a.capacity - a.used}
	}
	al := &allocation{base: a.next, size: size, words: make([]uint64, size/8)}
	a.next += Ptr(size + arenaAlign)
	a.used += size
	a.allocs = append(a.allocs, al)
	return al.base, nil
}

func (a *arena) free(p Ptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.allocs), func(i int) bool { return a.allocs[i].base >= p })
	if i == len(a.allocs) || a.allocs[i].base != p {
		return fmt.Errorf("%w: free of %#x", ErrInvalidPointer, uint64(p))
	}
	a.used -= a.allocs[i].size
	a.allocs = append(a.allocs[:i], a.allocs[i+1:]...)
	return nil
}

func (a *arena) resolve(p Ptr, n int64) (*allocation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := sort.Search(len(a.allocs), func(i int) bool { return a.allocs[i].base > p }) - 1
	if i < 0 || !a.allocs[i].contains(p, n) {
		return nil, fmt.Errorf("%w: %#x (+%d bytes)", ErrInvalidPointer, uint64(p), n)
	}
	return a.allocs[i], nil
}

func (a *arena) usage() (used, capacity int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used, a.capacity
}

func (a *arena) freeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs = nil
	a.used = 0
}

// bytes returns the n bytes at p.
func (a *arena) bytes(p Ptr, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	al, err := a.resolve(p, n)
	if err != nil {
		return nil, err
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&al.words[0])), al.size)
	off := int64(p - al.base)
	return raw[off : off+n], nil
}

// word covers Elem plus the native int used by gonum pivot slices.
type word interface {
	~float64 | ~int32 | ~uint64 | ~int
}

// view returns count elements of T starting at p. p must be aligned for T.
func view[T word](a *arena, p Ptr, count int) ([]T, error) {
	var zero T
	size := int64(unsafe.Sizeof(zero))
	if count == 0 {
		return nil, nil
	}
	if int64(p)%size != 0 {
		return nil, fmt.Errorf("%w: %#x misaligned for %d-byte elements", ErrInvalidPointer, uint64(p), size)
	}
	b, err := a.bytes(p, int64(count)*size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count), nil
}
