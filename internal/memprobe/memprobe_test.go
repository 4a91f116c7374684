package memprobe

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/batched-solver/internal/device"
	"github.com/fxnlabs/batched-solver/internal/metrics"
)

type fixedSource struct {
	mi  device.MemInfo
	err error
}

func (f *fixedSource) MemInfo() (device.MemInfo, error) { return f.mi, f.err }

func TestProbe(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want device.MemInfo
	}{
		{"reading", &fixedSource{mi: device.MemInfo{Free: 3 << 30, Total: 8 << 30}}, device.MemInfo{Free: 3 << 30, Total: 8 << 30}},
		{"error", &fixedSource{err: errors.New("no driver")}, Placeholder},
		{"empty", &fixedSource{}, Placeholder},
		{"nil source", nil, Placeholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Probe(tt.src))
		})
	}
}

func TestSysmanDisabledByDefault(t *testing.T) {
	t.Setenv(SysmanEnv, "")
	s := NewSysmanSource(zaptest.NewLogger(t))
	s.query = func() ([]byte, error) {
		t.Fatal("nvidia-smi must not run without " + SysmanEnv)
		return nil, nil
	}

	assert.False(t, s.Enabled())
	mi, err := s.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, Placeholder, mi)
}

func TestSysmanEnabled(t *testing.T) {
	t.Setenv(SysmanEnv, "1")
	s := NewSysmanSource(zaptest.NewLogger(t))
	require.True(t, s.Enabled())

	s.query = func() ([]byte, error) { return []byte("81920, 79000\n81920, 81920\n"), nil }
	mi, err := s.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, device.MemInfo{Free: 79000 << 20, Total: 81920 << 20}, mi)

	s.query = func() ([]byte, error) { return nil, errors.New("exec: not found") }
	_, err = s.MemInfo()
	assert.ErrorContains(t, err, "querying nvidia-smi")
	assert.Equal(t, Placeholder, Probe(s))
}

func TestParseMemInfo(t *testing.T) {
	_, err := parseMemInfo([]byte("81920"))
	assert.Error(t, err)
	_, err = parseMemInfo([]byte("lots, 1"))
	assert.ErrorContains(t, err, "memory.total")
	_, err = parseMemInfo([]byte("1, [N/A]"))
	assert.ErrorContains(t, err, "memory.free")
}

func TestTrackerReport(t *testing.T) {
	d := device.NewCPUDevice(zaptest.NewLogger(t), device.CPUOptions{Capacity: 1 << 30})
	require.NoError(t, d.Initialize())
	defer d.Cleanup()

	var out bytes.Buffer
	tr := NewTracker(d, nil, &out, zaptest.NewLogger(t))

	assert.Zero(t, tr.Report("start    "))

	p, err := d.Malloc(1 << 19)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<19), tr.Report("alloc    "))
	assert.Equal(t, float64(1<<19), testutil.ToFloat64(metrics.DeviceMemoryUsedBytes))
	assert.Equal(t, float64(1<<30), testutil.ToFloat64(metrics.DeviceMemoryTotalBytes))

	require.NoError(t, d.Free(p))
	tr.Report("free     ")

	tr.Reset()
	tr.Report("reset    ")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"start     0 / 1, delta 0",
		"alloc     0.00048828125 / 1, delta 0.00048828125",
		"free      0 / 1, delta -0.00048828125",
		"reset     0 / 1, delta 0",
	}, lines)
	assert.Zero(t, tr.Last())
}

func TestTrackerPlaceholderSource(t *testing.T) {
	d := device.NewCPUDevice(nil, device.CPUOptions{Capacity: 1 << 20})
	require.NoError(t, d.Initialize())
	defer d.Cleanup()

	var out bytes.Buffer
	tr := NewTracker(d, &fixedSource{err: errors.New("unavailable")}, &out, nil)
	tr.Report("start")
	assert.Equal(t, "start 0 / 9.313225746154785e-10, delta 0\n", out.String())
}

func TestTrackerLeavesDeviceErrorPending(t *testing.T) {
	d := device.NewCPUDevice(zaptest.NewLogger(t), device.CPUOptions{Capacity: 1 << 20})
	require.NoError(t, d.Initialize())
	defer d.Cleanup()
	h, err := d.NewHandle()
	require.NoError(t, err)
	defer h.Destroy()

	require.NoError(t, h.Axpy(2, 1, device.Ptr(0x10), device.Ptr(0x10)))

	var out bytes.Buffer
	NewTracker(d, nil, &out, zaptest.NewLogger(t)).Report("after    ")
	assert.True(t, strings.HasPrefix(out.String(), "after    "))
	assert.ErrorIs(t, d.Synchronize(), device.ErrInvalidPointer)
}
