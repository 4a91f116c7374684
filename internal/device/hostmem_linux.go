//go:build linux

package device

import "golang.org/x/sys/unix"

// hostTotalMemory returns physical memory in bytes.
func hostTotalMemory() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return defaultHostMemory
	}
	return int64(uint64(info.Totalram) * uint64(info.Unit))
}
