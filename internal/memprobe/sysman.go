package memprobe

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fxnlabs/batched-solver/internal/device"
)

// SysmanEnv must be "1" for SysmanSource to query the management interface.
const SysmanEnv = "BATCHSOLVE_ENABLE_SYSMAN"

// SysmanSource reads memory of the first GPU through nvidia-smi. Without
// SysmanEnv set it returns Placeholder and never runs the tool.
type SysmanSource struct {
	log     *zap.Logger
	enabled bool
	query   func() ([]byte, error)
}

func NewSysmanSource(log *zap.Logger) *SysmanSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &SysmanSource{
		log:     log.Named("sysman"),
		enabled: os.Getenv(SysmanEnv) == "1",
		query:   nvidiaSMI,
	}
}

func (s *SysmanSource) Enabled() bool { return s.enabled }

func (s *SysmanSource) MemInfo() (device.MemInfo, error) {
	if !s.enabled {
		return Placeholder, nil
	}
	output, err := s.query()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.log.Warn("nvidia-smi failed", zap.Error(exitErr), zap.String("stderr", string(exitErr.Stderr)))
		}
		return device.MemInfo{}, fmt.Errorf("querying nvidia-smi: %w", err)
	}
	return parseMemInfo(output)
}

func nvidiaSMI() ([]byte, error) {
	cmd := exec.Command("nvidia-smi", "--query-gpu=memory.total,memory.free", "--format=csv,noheader,nounits")
	return cmd.Output()
}

// parseMemInfo reads "total, free" in MiB from the first line.
func parseMemInfo(output []byte) (device.MemInfo, error) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	values := strings.Split(lines[0], ",")
	if len(values) != 2 {
		return device.MemInfo{}, fmt.Errorf("unexpected nvidia-smi output %q", lines[0])
	}
	total, err := strconv.ParseUint(strings.TrimSpace(values[0]), 10, 64)
	if err != nil {
		return device.MemInfo{}, fmt.Errorf("parsing memory.total: %w", err)
	}
	free, err := strconv.ParseUint(strings.TrimSpace(values[1]), 10, 64)
	if err != nil {
		return device.MemInfo{}, fmt.Errorf("parsing memory.free: %w", err)
	}
	return device.MemInfo{Free: free << 20, Total: total << 20}, nil
}
