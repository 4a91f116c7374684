//go:build !linux

package device

func hostTotalMemory() int64 {
	return defaultHostMemory
}
