package batch

import (
	"fmt"

	"github.com/fxnlabs/batched-solver/internal/device"
)

// PointerTable holds one device address per batch of a Collection, on the
// host and mirrored on the device for batched kernels. It remembers the
// collection version it was built from; DevicePtr refuses once they differ.
type PointerTable struct {
	c       *Collection
	version uint64
	host    []device.Ptr
	mirror  *device.Array[device.Ptr]
}

// NewPointerTable derives the table for c and copies it to the device.
func NewPointerTable(c *Collection) (*PointerTable, error) {
	mirror, err := device.NewArray[device.Ptr](c.dev, c.batches)
	if err != nil {
		return nil, fmt.Errorf("allocating pointer table: %w", err)
	}
	t := &PointerTable{c: c, host: make([]device.Ptr, c.batches), mirror: mirror}
	if err := t.Rebuild(); err != nil {
		_ = mirror.Free()
		return nil, err
	}
	return t, nil
}

// Rebuild recomputes every entry from the collection's current base address
// and refreshes the device mirror.
func (t *PointerTable) Rebuild() error {
	base := t.c.Ptr()
	if base == 0 {
		return ErrFreed
	}
	if t.mirror == nil {
		return fmt.Errorf("pointer table: %w", ErrFreed)
	}
	stride := int64(t.c.Stride()) * device.SizeOf[float64]()
	for b := range t.host {
		t.host[b] = base.Add(int64(b) * stride)
	}
	if err := t.mirror.Upload(t.host); err != nil {
		return fmt.Errorf("uploading pointer table: %w", err)
	}
	t.version = t.c.Version()
	return nil
}

// Host returns the host copy of the table.
func (t *PointerTable) Host() []device.Ptr { return t.host }

// Collection returns the collection the table was derived from.
func (t *PointerTable) Collection() *Collection { return t.c }

func (t *PointerTable) Batches() int { return len(t.host) }

// Bytes is the size of the device mirror.
func (t *PointerTable) Bytes() int64 {
	if t.mirror == nil {
		return 0
	}
	return t.mirror.Bytes()
}

// DevicePtr returns the address of the device mirror.
func (t *PointerTable) DevicePtr() (device.Ptr, error) {
	if t.mirror == nil {
		return 0, fmt.Errorf("pointer table: %w", ErrFreed)
	}
	if t.version != t.c.Version() {
		return 0, fmt.Errorf("%w: built from version %d, collection at %d", ErrStaleTable, t.version, t.c.Version())
	}
	return t.mirror.Ptr(), nil
}

// Free releases the device mirror. It is safe to call more than once.
func (t *PointerTable) Free() error {
	if t.mirror == nil {
		return nil
	}
	err := t.mirror.Free()
	t.mirror = nil
	return err
}
