// Package memprobe reads device memory usage and reports it between the
// steps of a workload.
package memprobe

import (
	"github.com/fxnlabs/batched-solver/internal/device"
)

// Source reports free and total device memory. Every device.Device is one.
type Source interface {
	MemInfo() (device.MemInfo, error)
}

// Placeholder is returned when no real reading is available, so reports
// never divide by zero.
var Placeholder = device.MemInfo{Free: 1, Total: 1}

// Probe reads src, falling back to Placeholder on error or an empty reading.
func Probe(src Source) device.MemInfo {
	if src == nil {
		return Placeholder
	}
	mi, err := src.MemInfo()
	if err != nil || mi.Total == 0 {
		return Placeholder
	}
	return mi
}
