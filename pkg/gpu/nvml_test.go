package gpu

import (
	"fmt"
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeName(pid uint32) string {
	return fmt.Sprintf("proc-%d", pid)
}

func TestMergeProcessesDedup(t *testing.T) {
	compute := []nvml.ProcessInfo{
		{Pid: 100, UsedGpuMemory: 2048},
		{Pid: 200, UsedGpuMemory: 4096},
	}
	graphics := []nvml.ProcessInfo{
		{Pid: 100, UsedGpuMemory: 512}, // same PID under graphics context
		{Pid: 300, UsedGpuMemory: 1024},
	}

	procs := mergeProcesses(compute, graphics, fakeName)
	require.Len(t, procs, 3)

	seen := map[uint32]uint64{}
	for _, p := range procs {
		_, dup := seen[p.PID]
		assert.False(t, dup, "pid %d appears twice", p.PID)
		seen[p.PID] = p.UsedGPUMemory
	}

	// compute entry wins for pid 100
	assert.Equal(t, uint64(2048), seen[100])
}

func TestMergeProcessesSortedDescending(t *testing.T) {
	compute := []nvml.ProcessInfo{
		{Pid: 1, UsedGpuMemory: 10},
		{Pid: 2, UsedGpuMemory: 300},
	}
	graphics := []nvml.ProcessInfo{
		{Pid: 3, UsedGpuMemory: 200},
	}

	procs := mergeProcesses(compute, graphics, fakeName)
	require.Len(t, procs, 3)
	for i := 1; i < len(procs); i++ {
		assert.GreaterOrEqual(t, procs[i-1].UsedGPUMemory, procs[i].UsedGPUMemory)
	}
	assert.Equal(t, uint32(2), procs[0].PID)
}

func TestMergeProcessesUnavailableMemory(t *testing.T) {
	compute := []nvml.ProcessInfo{
		{Pid: 7, UsedGpuMemory: usedMemoryUnavailable},
	}

	procs := mergeProcesses(compute, nil, fakeName)
	require.Len(t, procs, 1)
	assert.Equal(t, uint64(0), procs[0].UsedGPUMemory)
	assert.Equal(t, "proc-7", procs[0].Name)
}

func TestMergeProcessesEmpty(t *testing.T) {
	assert.Empty(t, mergeProcesses(nil, nil, fakeName))
}
