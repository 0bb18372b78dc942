// Package gpu collects per-device telemetry from the NVIDIA driver,
// with a fallback to the nvidia-smi command-line probe.
package gpu

import "time"

// Sample is one device reading at one poll tick. Never mutated after
// collection.
type Sample struct {
	Timestamp         time.Time `json:"timestamp"`
	GPUID             uint32    `json:"gpu_id"`
	Name              string    `json:"name"`
	UtilizationGPU    uint32    `json:"utilization_gpu"`
	UtilizationMemory uint32    `json:"utilization_memory"`
	MemoryUsed        uint64    `json:"memory_used"`
	MemoryTotal       uint64    `json:"memory_total"`

	// Temperature in Celsius; 0 means the sensor read failed.
	Temperature uint32 `json:"temperature"`

	// PowerUsage in watts, rounded down from milliwatts; 0 means the
	// reading failed.
	PowerUsage uint32 `json:"power_usage"`

	// Processes is sorted descending by UsedGPUMemory, one entry per
	// PID (compute context wins over graphics for the same PID).
	Processes []Process `json:"processes"`
}

// Process is one GPU-using process on a device. Transient; not
// persisted on its own.
type Process struct {
	PID  uint32 `json:"pid"`
	Name string `json:"name"`

	// UsedGPUMemory in bytes; 0 when the driver reports unavailable.
	UsedGPUMemory uint64 `json:"used_gpu_memory"`
}
