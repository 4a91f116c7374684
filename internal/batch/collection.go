package batch

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/batched-solver/internal/device"
)

var (
	ErrShapeMismatch = errors.New("batch shape mismatch")
	ErrFreed         = errors.New("batch collection freed")
	ErrStaleTable    = errors.New("pointer table is stale")

	ErrInvalidPermutation = errors.New("invalid batch permutation")
)

// Collection is a batch collection in one contiguous device allocation.
// Matrix b occupies elements [b·Stride(), (b+1)·Stride()) in the device's
// layout.
//
// Every change of the backing allocation bumps Version, which is how
// PointerTables derived from it notice they are stale.
type Collection struct {
	dev                 device.Device
	arr                 *device.Array[float64]
	rows, cols, batches int
	version             uint64
}

// NewCollection allocates rows×cols×batches float64 on dev.
func NewCollection(dev device.Device, rows, cols, batches int) (*Collection, error) {
	if rows < 0 || cols < 0 || batches < 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", device.ErrInvalidValue, rows, cols, batches)
	}
	c := &Collection{dev: dev, rows: rows, cols: cols, batches: batches}
	if err := c.alloc(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection) alloc() error {
	arr, err := device.NewArray[float64](c.dev, c.rows*c.cols*c.batches)
	if err != nil {
		return fmt.Errorf("allocating %dx%dx%d batch collection: %w", c.rows, c.cols, c.batches, err)
	}
	c.arr = arr
	c.version++
	return nil
}

func (c *Collection) Device() device.Device { return c.dev }

func (c *Collection) Rows() int { return c.rows }

func (c *Collection) Cols() int { return c.cols }

func (c *Collection) Batches() int { return c.batches }

// Stride is the number of elements per matrix.
func (c *Collection) Stride() int { return c.rows * c.cols }

// Leading is the leading dimension of each matrix in the device layout.
func (c *Collection) Leading() int { return c.dev.Layout().Leading(c.rows, c.cols) }

func (c *Collection) Bytes() int64 {
	return int64(c.Stride()) * int64(c.batches) * device.SizeOf[float64]()
}

// Ptr is the base address, or 0 once freed.
func (c *Collection) Ptr() device.Ptr {
	if c.arr == nil {
		return 0
	}
	return c.arr.Ptr()
}

func (c *Collection) Version() uint64 { return c.version }

func (c *Collection) checkShape(rows, cols, batches int) error {
	if rows != c.rows || cols != c.cols || batches != c.batches {
		return fmt.Errorf("%w: have %dx%dx%d, want %dx%dx%d",
			ErrShapeMismatch, rows, cols, batches, c.rows, c.cols, c.batches)
	}
	return nil
}

// Upload copies h to the device, converting it to the device layout first.
func (c *Collection) Upload(h *Host) error {
	if c.arr == nil {
		return ErrFreed
	}
	if err := c.checkShape(h.Rows, h.Cols, h.Count); err != nil {
		return err
	}
	return c.arr.Upload(h.To(c.dev.Layout()).Data)
}

// Download copies the device contents into h, converting to h's layout.
func (c *Collection) Download(h *Host) error {
	if c.arr == nil {
		return ErrFreed
	}
	if err := c.checkShape(h.Rows, h.Cols, h.Count); err != nil {
		return err
	}
	layout := c.dev.Layout()
	if h.Layout == layout {
		return c.arr.Download(h.Data)
	}
	tmp := NewHost(c.rows, c.cols, c.batches, layout)
	if err := c.arr.Download(tmp.Data); err != nil {
		return err
	}
	copy(h.Data, tmp.To(h.Layout).Data)
	return nil
}

// UploadBatch copies one matrix, already in the device layout, into batch b.
func (c *Collection) UploadBatch(b int, m []float64) error {
	if c.arr == nil {
		return ErrFreed
	}
	if b < 0 || b >= c.batches || len(m) != c.Stride() {
		return fmt.Errorf("%w: %d elements for batch %d of %d, want %d",
			ErrShapeMismatch, len(m), b, c.batches, c.Stride())
	}
	offset := int64(b) * int64(c.Stride()) * device.SizeOf[float64]()
	return c.dev.CopyHtoD(c.arr.Ptr().Add(offset), device.AsBytes(m))
}

// ToHost returns a host copy in the device layout.
func (c *Collection) ToHost() (*Host, error) {
	h := NewHost(c.rows, c.cols, c.batches, c.dev.Layout())
	if err := c.Download(h); err != nil {
		return nil, err
	}
	return h, nil
}

// CopyFrom copies src into c on the device.
func (c *Collection) CopyFrom(src *Collection) error {
	if c.arr == nil || src.arr == nil {
		return ErrFreed
	}
	if err := c.checkShape(src.rows, src.cols, src.batches); err != nil {
		return err
	}
	return c.dev.CopyDtoD(c.arr.Ptr(), src.arr.Ptr(), c.Bytes())
}

// Realloc replaces the backing allocation with a fresh one. Contents are
// not preserved and every derived PointerTable becomes stale.
func (c *Collection) Realloc() error {
	if c.arr != nil {
		if err := c.arr.Free(); err != nil {
			return err
		}
		c.arr = nil
		c.version++
	}
	return c.alloc()
}

// Free releases the allocation. It is safe to call more than once.
func (c *Collection) Free() error {
	if c.arr == nil {
		return nil
	}
	err := c.arr.Free()
	c.arr = nil
	c.version++
	return err
}
