package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSMILine(t *testing.T) {
	line := "0, NVIDIA GeForce RTX 3080, 45, 30, 8192, 10240, 65, 250.5"

	sample, ok := parseSMILine(line)
	require.True(t, ok)

	assert.Equal(t, uint32(0), sample.GPUID)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", sample.Name)
	assert.Equal(t, uint32(45), sample.UtilizationGPU)
	assert.Equal(t, uint32(30), sample.UtilizationMemory)
	assert.Equal(t, uint64(8192*1024*1024), sample.MemoryUsed)
	assert.Equal(t, uint64(10240*1024*1024), sample.MemoryTotal)
	assert.Equal(t, uint32(65), sample.Temperature)
	assert.Equal(t, uint32(250), sample.PowerUsage)
	assert.Empty(t, sample.Processes)
}

func TestParseSMILineSkipsShortLines(t *testing.T) {
	for _, line := range []string{
		"",
		"0, NVIDIA GeForce RTX 3080, 45",
		"0, name, 45, 30, 8192, 10240, 65", // 7 fields
	} {
		_, ok := parseSMILine(line)
		assert.False(t, ok, "line %q should be skipped", line)
	}
}

func TestParseSMILineRejectsGarbage(t *testing.T) {
	_, ok := parseSMILine("x, name, a, b, c, d, e, f")
	assert.False(t, ok)
}

func TestSMIBackendCollect(t *testing.T) {
	b := &smiBackend{
		run: func(context.Context) ([]byte, error) {
			return []byte(
				"0, NVIDIA GeForce RTX 3080, 45, 30, 8192, 10240, 65, 250.5\n" +
					"garbage line\n" +
					"1, NVIDIA GeForce RTX 3090, 10, 5, 1024, 24576, 40, 100.0\n",
			), nil
		},
	}

	samples, err := b.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, uint32(0), samples[0].GPUID)
	assert.Equal(t, uint32(1), samples[1].GPUID)
	assert.Equal(t, uint32(2), b.DeviceCount())
}
