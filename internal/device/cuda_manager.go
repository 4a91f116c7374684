//go:build cuda
// +build cuda

package device

// tryCreateCUDADevice attempts to create a CUDA device when cuda build tag is present
func (m *Manager) tryCreateCUDADevice() Device {
	return NewCUDADevice(m.logger)
}
