//go:build !cuda
// +build !cuda

package device

// tryCreateCUDADevice returns nil when the cuda build tag is NOT present
func (m *Manager) tryCreateCUDADevice() Device {
	return nil
}
