package device

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	BackendAuto = "auto"
	BackendCPU  = "cpu"
	BackendCUDA = "cuda"
)

// Options selects and configures the backend.
type Options struct {
	// Backend is one of BackendAuto, BackendCPU or BackendCUDA.
	Backend string
	CPU     CPUOptions
}

// Manager handles device backend selection and lifecycle
type Manager struct {
	device Device
	mu     sync.RWMutex
	logger *zap.Logger
	opts   Options
}

// NewManager creates a new device manager and initializes the requested
// backend. With BackendAuto it prefers CUDA and falls back to the CPU device.
func NewManager(logger *zap.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Backend == "" {
		opts.Backend = BackendAuto
	}

	m := &Manager{
		logger: logger.Named("device"),
		opts:   opts,
	}

	if err := m.detectAndInitialize(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) detectAndInitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.opts.Backend {
	case BackendAuto, BackendCUDA:
		if cuda := m.tryCreateCUDADevice(); cuda != nil && cuda.IsAvailable() {
			if err := cuda.Initialize(); err == nil {
				m.device = cuda
				m.logger.Info("Using CUDA device", zap.String("device", cuda.GetDeviceInfo().Name))
				return nil
			} else if m.opts.Backend == BackendCUDA {
				_ = cuda.Cleanup()
				return fmt.Errorf("failed to initialize CUDA device: %w", err)
			}
			_ = cuda.Cleanup()
		} else if m.opts.Backend == BackendCUDA {
			return fmt.Errorf("CUDA device: %w", ErrNotAvailable)
		}
	case BackendCPU:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, m.opts.Backend)
	}

	cpu := NewCPUDevice(m.logger, m.opts.CPU)
	if err := cpu.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CPU device: %w", err)
	}
	m.device = cpu
	m.logger.Info("Using CPU device")
	return nil
}

// Device returns the current device
func (m *Manager) Device() Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// GetDeviceInfo returns device information from the current device
func (m *Manager) GetDeviceInfo() DeviceInfo {
	d := m.Device()
	if d == nil {
		return DeviceInfo{Name: "No device available"}
	}
	return d.GetDeviceInfo()
}

// IsGPUAvailable returns true if a real accelerator is active
func (m *Manager) IsGPUAvailable() bool {
	d := m.Device()
	if d == nil {
		return false
	}
	_, isCPU := d.(*CPUDevice)
	return !isCPU
}

// GetBackendType returns the name of the active backend
func (m *Manager) GetBackendType() string {
	d := m.Device()
	if d == nil {
		return "none"
	}
	return d.Name()
}

// Cleanup releases resources held by the current device
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		if err := m.device.Cleanup(); err != nil {
			return err
		}
		m.device = nil
	}
	return nil
}
