package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gpm-project/gpm/pkg/errdefs"
	"github.com/gpm-project/gpm/pkg/log"
)

var smiQueryArgs = []string{
	"--query-gpu=index,name,utilization.gpu,utilization.memory,memory.used,memory.total,temperature.gpu,power.draw",
	"--format=csv,noheader,nounits",
}

// smiBackend shells out to nvidia-smi. Process lists are not available
// in this mode.
type smiBackend struct {
	run func(ctx context.Context) ([]byte, error)
}

func newSMIBackend() *smiBackend {
	return &smiBackend{
		run: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "nvidia-smi", smiQueryArgs...).Output()
		},
	}
}

func (b *smiBackend) DeviceCount() uint32 {
	samples, err := b.Collect(context.Background())
	if err != nil {
		return 0
	}
	return uint32(len(samples))
}

func (b *smiBackend) Collect(ctx context.Context) ([]Sample, error) {
	log.Logger.Warnw("using nvidia-smi fallback, collection may be degraded")

	out, err := b.run(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: nvidia-smi: %v", errdefs.ErrDriverQuery, err)
	}

	var samples []Sample
	for _, line := range strings.Split(string(out), "\n") {
		if sample, ok := parseSMILine(line); ok {
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func (b *smiBackend) Shutdown() {}

// parseSMILine parses one CSV line of the nvidia-smi query output.
// Memory fields are MiB, power is a float watt figure truncated to an
// integer. Lines with fewer than 8 fields are skipped.
func parseSMILine(line string) (Sample, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < 8 {
		return Sample{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	gpuID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Sample{}, false
	}
	utilGPU, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Sample{}, false
	}
	utilMem, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return Sample{}, false
	}
	memUsedMiB, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return Sample{}, false
	}
	memTotalMiB, err := strconv.ParseUint(parts[5], 10, 64)
	if err != nil {
		return Sample{}, false
	}
	temp, err := strconv.ParseUint(parts[6], 10, 32)
	if err != nil {
		return Sample{}, false
	}
	powerW, err := strconv.ParseFloat(parts[7], 64)
	if err != nil {
		return Sample{}, false
	}

	return Sample{
		Timestamp:         time.Now().UTC(),
		GPUID:             uint32(gpuID),
		Name:              parts[1],
		UtilizationGPU:    uint32(utilGPU),
		UtilizationMemory: uint32(utilMem),
		MemoryUsed:        memUsedMiB * 1024 * 1024,
		MemoryTotal:       memTotalMiB * 1024 * 1024,
		Temperature:       uint32(temp),
		PowerUsage:        uint32(powerW),
		Processes:         nil,
	}, true
}
