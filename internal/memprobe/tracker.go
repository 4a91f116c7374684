package memprobe

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

const gb = 1 << 30

// Tracker prints used device memory and the change since the previous
// report. It only observes; errors are logged, never returned.
type Tracker struct {
	dev  device.Device
	src  Source
	out  io.Writer
	log  *zap.Logger
	last uint64
}

// NewTracker reports on dev. src overrides where readings come from; nil
// reads dev itself.
func NewTracker(dev device.Device, src Source, out io.Writer, log *zap.Logger) *Tracker {
	if src == nil {
		src = dev
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{dev: dev, src: src, out: out, log: log.Named("memprobe")}
}

// Report waits for outstanding device work, probes memory and writes
// "<label> <used_GB> / <total_GB>, delta <delta_GB>". It returns the used
// bytes. Errors raised by device work stay pending for the caller's next
// Synchronize.
func (t *Tracker) Report(label string) uint64 {
	if err := t.dev.Wait(); err != nil {
		t.log.Warn("device wait failed before probe", zap.String("label", label), zap.Error(err))
	}
	mi := Probe(t.src)
	used := mi.Used()
	delta := int64(used) - int64(t.last)
	t.last = used

	fmt.Fprintf(t.out, "%s %g / %g, delta %g\n", label, float64(used)/gb, float64(mi.Total)/gb, float64(delta)/gb)
	metrics.DeviceMemoryUsedBytes.Set(float64(used))
	metrics.DeviceMemoryTotalBytes.Set(float64(mi.Total))
	t.log.Debug("memory usage",
		zap.String("label", label),
		zap.Uint64("used_bytes", used),
		zap.Uint64("total_bytes", mi.Total),
		zap.Int64("delta_bytes", delta))
	return used
}

// Reset makes the next report's delta relative to zero.
func (t *Tracker) Reset() { t.last = 0 }

// Last is the used bytes of the most recent report.
func (t *Tracker) Last() uint64 { return t.last }
