package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/ollama"
)

func TestScraperGPUGauges(t *testing.T) {
	s := NewScraper()

	s.UpdateGPUSample(gpu.Sample{
		Timestamp:         time.Now().UTC(),
		GPUID:             0,
		Name:              "NVIDIA GeForce RTX 3080",
		UtilizationGPU:    45,
		UtilizationMemory: 30,
		MemoryUsed:        8 << 30,
		MemoryTotal:       10 << 30,
		Temperature:       65,
		PowerUsage:        250,
	})

	labels := []string{"0", "NVIDIA GeForce RTX 3080"}
	assert.Equal(t, 45.0, testutil.ToFloat64(s.gpuUtilization.WithLabelValues(labels...)))
	assert.Equal(t, float64(8<<30), testutil.ToFloat64(s.gpuMemoryUsed.WithLabelValues(labels...)))
	assert.Equal(t, float64(10<<30), testutil.ToFloat64(s.gpuMemoryTotal.WithLabelValues(labels...)))
	assert.Equal(t, 65.0, testutil.ToFloat64(s.gpuTemperature.WithLabelValues(labels...)))
	assert.Equal(t, 250.0, testutil.ToFloat64(s.gpuPower.WithLabelValues(labels...)))
}

func TestScraperSessionMetrics(t *testing.T) {
	s := NewScraper()

	ttft := uint64(120)
	s.RecordSession(ollama.Session{
		Model:              "llama2",
		TokensPerSecond:    10.0,
		TimeToFirstTokenMS: &ttft,
	})
	s.RecordSession(ollama.Session{
		Model:           "llama2",
		TokensPerSecond: 25.0,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(s.llmSessionCount.WithLabelValues("llama2")))

	count, err := testutil.GatherAndCount(s.registry,
		"gpm_llm_tokens_per_second", "gpm_llm_time_to_first_token_ms")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestScraperProcessAggregates(t *testing.T) {
	s := NewScraper()

	s.UpdateProcesses([]classifier.ClassifiedProcess{
		{PID: 1, Category: classifier.CategoryLlmInference, GPUMemoryMB: 100},
		{PID: 2, Category: classifier.CategoryLlmInference, GPUMemoryMB: 200},
		{PID: 3, Category: classifier.CategoryGaming, GPUMemoryMB: 50},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(s.processCount.WithLabelValues("llm_inference")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.processCount.WithLabelValues("gaming")))
	assert.Equal(t, float64(300*1024*1024), testutil.ToFloat64(s.processGPUMemory.WithLabelValues("llm_inference")))
	assert.Equal(t, float64(50*1024*1024), testutil.ToFloat64(s.processGPUMemory.WithLabelValues("gaming")))
}

func TestScraperRegistryNames(t *testing.T) {
	s := NewScraper()
	s.UpdateGPUSample(gpu.Sample{Name: "gpu"})

	families, err := s.registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"gpm_gpu_utilization_percent",
		"gpm_gpu_memory_used_bytes",
		"gpm_gpu_memory_total_bytes",
		"gpm_gpu_temperature_celsius",
		"gpm_gpu_power_watts",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}
