package gpu

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/gpm-project/gpm/pkg/errdefs"
	"github.com/gpm-project/gpm/pkg/log"
)

// usedMemoryUnavailable is what NVML reports when per-process memory
// accounting is not supported (e.g. on WDDM or older drivers).
const usedMemoryUnavailable = ^uint64(0)

var (
	nvmlInitOnce sync.Once
	nvmlInitErr  error
)

// initNVML funnels concurrent callers through a single nvml.Init.
func initNVML() error {
	nvmlInitOnce.Do(func() {
		log.Logger.Infow("initializing NVML")
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			nvmlInitErr = fmt.Errorf("%w: %s", errdefs.ErrDriverInit, nvml.ErrorString(ret))
		}
	})
	return nvmlInitErr
}

type nvmlBackend struct {
	deviceCount uint32

	// nameForPID is swapped out in tests.
	nameForPID func(pid uint32) string
}

func newNVMLBackend() (*nvmlBackend, error) {
	if err := initNVML(); err != nil {
		return nil, err
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("%w: device count: %s", errdefs.ErrDriverInit, nvml.ErrorString(ret))
	}

	log.Logger.Infow("NVML initialized", "devices", count)
	return &nvmlBackend{
		deviceCount: uint32(count),
		nameForPID:  processName,
	}, nil
}

func (b *nvmlBackend) DeviceCount() uint32 {
	return b.deviceCount
}

func (b *nvmlBackend) Collect(_ context.Context) ([]Sample, error) {
	samples := make([]Sample, 0, b.deviceCount)

	for i := uint32(0); i < b.deviceCount; i++ {
		sample, err := b.collectDevice(i)
		if err != nil {
			log.Logger.Warnw("failed to collect metrics for GPU", "gpu", i, "error", err)
			continue
		}
		samples = append(samples, sample)
	}

	if len(samples) == 0 && b.deviceCount > 0 {
		return nil, fmt.Errorf("%w: no GPU returned metrics", errdefs.ErrDriverQuery)
	}
	return samples, nil
}

func (b *nvmlBackend) collectDevice(index uint32) (Sample, error) {
	dev, ret := nvml.DeviceGetHandleByIndex(int(index))
	if ret != nvml.SUCCESS {
		return Sample{}, fmt.Errorf("%w: device %d: %s", errdefs.ErrDriverQuery, index, nvml.ErrorString(ret))
	}

	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		name = fmt.Sprintf("GPU %d", index)
	}

	util, ret := dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return Sample{}, fmt.Errorf("%w: utilization: %s", errdefs.ErrDriverQuery, nvml.ErrorString(ret))
	}

	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return Sample{}, fmt.Errorf("%w: memory info: %s", errdefs.ErrDriverQuery, nvml.ErrorString(ret))
	}

	temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		temp = 0
	}

	power := uint32(0)
	if mw, ret := dev.GetPowerUsage(); ret == nvml.SUCCESS {
		power = mw / 1000
	}

	procs := b.runningProcesses(dev)

	log.Logger.Debugw("collected device sample",
		"gpu", index,
		"util", util.Gpu,
		"memUtil", util.Memory,
		"temp", temp,
		"power", power,
		"processes", len(procs),
	)

	return Sample{
		Timestamp:         time.Now().UTC(),
		GPUID:             index,
		Name:              name,
		UtilizationGPU:    util.Gpu,
		UtilizationMemory: util.Memory,
		MemoryUsed:        mem.Used,
		MemoryTotal:       mem.Total,
		Temperature:       temp,
		PowerUsage:        power,
		Processes:         procs,
	}, nil
}

func (b *nvmlBackend) runningProcesses(dev nvml.Device) []Process {
	compute, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		compute = nil
	}
	graphics, ret := dev.GetGraphicsRunningProcesses()
	if ret != nvml.SUCCESS {
		graphics = nil
	}
	return mergeProcesses(compute, graphics, b.nameForPID)
}

// mergeProcesses unions compute and graphics process lists keyed by
// PID. Compute entries are inserted first and win on collision. The
// result is ordered descending by used memory.
func mergeProcesses(compute, graphics []nvml.ProcessInfo, nameForPID func(uint32) string) []Process {
	seen := make(map[uint32]Process, len(compute)+len(graphics))
	order := make([]uint32, 0, len(compute)+len(graphics))

	for _, info := range append(append([]nvml.ProcessInfo{}, compute...), graphics...) {
		if _, ok := seen[info.Pid]; ok {
			continue
		}
		used := info.UsedGpuMemory
		if used == usedMemoryUnavailable {
			used = 0
		}
		seen[info.Pid] = Process{
			PID:           info.Pid,
			Name:          nameForPID(info.Pid),
			UsedGPUMemory: used,
		}
		order = append(order, info.Pid)
	}

	procs := make([]Process, 0, len(seen))
	for _, pid := range order {
		procs = append(procs, seen[pid])
	}
	sort.SliceStable(procs, func(i, j int) bool {
		return procs[i].UsedGPUMemory > procs[j].UsedGPUMemory
	})
	return procs
}

func processName(pid uint32) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Sprintf("pid_%d", pid)
	}
	name, err := p.Name()
	if err != nil || name == "" {
		return fmt.Sprintf("pid_%d", pid)
	}
	return name
}

func (b *nvmlBackend) Shutdown() {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		log.Logger.Warnw("NVML shutdown failed", "error", nvml.ErrorString(ret))
	}
}
