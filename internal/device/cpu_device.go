package device

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// CPUOptions configures the emulated device.
type CPUOptions struct {
	// Capacity is the emulated device memory in bytes. Zero sizes it to the
	// host's physical memory.
	Capacity int64
	// Workers bounds the goroutines a batched kernel fans out to. Zero uses
	// GOMAXPROCS.
	Workers int
	// ScratchMode selects what ReleaseScratch does on handles. Empty means
	// ScratchResize.
	ScratchMode ScratchMode
}

// CPUDevice implements Device in host memory. Allocations come from an
// arena with its own address space, so pointer tables hold real device
// addresses that kernels resolve at launch time, and memory usage is
// accounted exactly.
type CPUDevice struct {
	logger *zap.Logger
	opts   CPUOptions

	mu          sync.Mutex
	initialized bool
	arena       *arena
	streams     map[*stream]struct{}
}

// NewCPUDevice creates a new CPU device instance
func NewCPUDevice(logger *zap.Logger, opts CPUOptions) *CPUDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = hostTotalMemory()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.ScratchMode == "" {
		opts.ScratchMode = ScratchResize
	}
	return &CPUDevice{
		logger:  logger.Named("cpu"),
		opts:    opts,
		streams: make(map[*stream]struct{}),
	}
}

func (d *CPUDevice) Name() string { return "cpu" }

// IsAvailable checks if the backend is available (always true for CPU)
func (d *CPUDevice) IsAvailable() bool { return true }

// Initialize prepares the CPU device for use
func (d *CPUDevice) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	switch d.opts.ScratchMode {
	case ScratchResize, ScratchRecreate:
	default:
		return fmt.Errorf("%w: scratch mode %q", ErrInvalidValue, d.opts.ScratchMode)
	}
	d.arena = newArena(d.opts.Capacity)
	d.initialized = true
	d.logger.Info("CPU device initialized",
		zap.Int64("capacity_bytes", d.opts.Capacity),
		zap.Int("workers", d.opts.Workers),
		zap.String("scratch_mode", string(d.opts.ScratchMode)))
	return nil
}

// Cleanup stops every handle stream and drops all allocations.
func (d *CPUDevice) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	var first error
	for s := range d.streams {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
		delete(d.streams, s)
	}
	d.arena.freeAll()
	d.initialized = false
	return first
}

// GetDeviceInfo returns device information for CPU
func (d *CPUDevice) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:              fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		Backend:           d.Name(),
		TotalMemory:       d.opts.Capacity,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
	}
}

func (d *CPUDevice) Layout() Layout { return RowMajor }

func (d *CPUDevice) MemInfo() (MemInfo, error) {
	a, err := d.mem()
	if err != nil {
		return MemInfo{}, err
	}
	used, capacity := a.usage()
	return MemInfo{Free: uint64(capacity - used), Total: uint64(capacity)}, nil
}

func (d *CPUDevice) Synchronize() error {
	var first error
	for _, s := range d.liveStreams() {
		if err := s.synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *CPUDevice) Wait() error {
	if _, err := d.mem(); err != nil {
		return err
	}
	for _, s := range d.liveStreams() {
		s.wait()
	}
	return nil
}

func (d *CPUDevice) liveStreams() []*stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := make([]*stream, 0, len(d.streams))
	for s := range d.streams {
		streams = append(streams, s)
	}
	return streams
}

func (d *CPUDevice) Malloc(bytes int64) (Ptr, error) {
	a, err := d.mem()
	if err != nil {
		return 0, err
	}
	return a.alloc(bytes)
}

// Free synchronizes before releasing, like cudaFree. The allocation is
// released even when earlier device work failed; that error is returned
// alongside.
func (d *CPUDevice) Free(p Ptr) error {
	a, err := d.mem()
	if err != nil {
		return err
	}
	syncErr := d.Synchronize()
	return errors.Join(syncErr, a.free(p))
}

func (d *CPUDevice) CopyHtoD(dst Ptr, src []byte) error {
	a, err := d.mem()
	if err != nil {
		return err
	}
	syncErr := d.Synchronize()
	b, err := a.bytes(dst, int64(len(src)))
	if err != nil {
		return errors.Join(syncErr, err)
	}
	copy(b, src)
	return syncErr
}

func (d *CPUDevice) CopyDtoH(dst []byte, src Ptr) error {
	a, err := d.mem()
	if err != nil {
		return err
	}
	syncErr := d.Synchronize()
	b, err := a.bytes(src, int64(len(dst)))
	if err != nil {
		return errors.Join(syncErr, err)
	}
	copy(dst, b)
	return syncErr
}

func (d *CPUDevice) CopyDtoD(dst, src Ptr, bytes int64) error {
	a, err := d.mem()
	if err != nil {
		return err
	}
	syncErr := d.Synchronize()
	from, err := a.bytes(src, bytes)
	if err != nil {
		return errors.Join(syncErr, err)
	}
	to, err := a.bytes(dst, bytes)
	if err != nil {
		return errors.Join(syncErr, err)
	}
	copy(to, from)
	return syncErr
}

func (d *CPUDevice) NewHandle() (Handle, error) {
	if _, err := d.mem(); err != nil {
		return nil, err
	}
	return newCPUHandle(d), nil
}

func (d *CPUDevice) mem() (*arena, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil, fmt.Errorf("CPU device: %w", ErrNotInitialized)
	}
	return d.arena, nil
}

// live reports whether a is still the device's current arena.
func (d *CPUDevice) live(a *arena) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized && d.arena == a
}

func (d *CPUDevice) attach(s *stream) {
	d.mu.Lock()
	d.streams[s] = struct{}{}
	d.mu.Unlock()
}

func (d *CPUDevice) detach(s *stream) {
	d.mu.Lock()
	delete(d.streams, s)
	d.mu.Unlock()
}
