package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/ollama"
	"github.com/gpm-project/gpm/pkg/storage"
)

func newTestArchiver(t *testing.T, retentionDays int) (*Archiver, *storage.Store, string) {
	t.Helper()
	store, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "gpm.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	dir := t.TempDir()
	a, err := New(dir, store, retentionDays)
	require.NoError(t, err)
	return a, store, dir
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, store, dir := newTestArchiver(t, 7)

	// cleanup inside Maintain cuts against the wall clock
	now := time.Now().UTC()
	a.now = func() time.Time { return now }

	old := now.AddDate(0, 0, -10)
	require.NoError(t, store.InsertGPUSample(ctx, gpu.Sample{
		Timestamp:         old,
		GPUID:             0,
		Name:              "NVIDIA GeForce RTX 3080",
		UtilizationGPU:    45,
		UtilizationMemory: 30,
		MemoryUsed:        8 << 30,
		MemoryTotal:       10 << 30,
		Temperature:       65,
		PowerUsage:        250,
	}))

	require.NoError(t, a.Maintain(ctx))

	path := filepath.Join(dir, "gpu_metrics_"+old.Format(time.DateOnly)+".parquet")
	rows, err := parquet.ReadFile[gpuMetricRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, old.Format(time.RFC3339), got.Timestamp)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", got.Name)
	assert.Equal(t, int32(45), got.UtilizationGPU)
	assert.Equal(t, int64(8<<30), got.MemoryUsed)
	assert.Equal(t, int32(250), got.PowerUsage)

	// the exported range is cleaned from the store
	samples, err := store.SamplesBefore(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestArchiveSessionsWithOptionalFields(t *testing.T) {
	ctx := context.Background()
	a, store, dir := newTestArchiver(t, 7)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	start := now.AddDate(0, 0, -9)
	end := start.Add(2 * time.Second)
	ttft := uint64(120)
	require.NoError(t, store.InsertLLMSession(ctx, ollama.Session{
		ID:                 "finished",
		StartTime:          start,
		EndTime:            &end,
		Model:              "llama2",
		PromptTokens:       10,
		CompletionTokens:   3,
		TotalTokens:        13,
		TokensPerSecond:    10.0,
		TimeToFirstTokenMS: &ttft,
	}))
	require.NoError(t, store.InsertLLMSession(ctx, ollama.Session{
		ID:        "unfinished",
		StartTime: start.Add(time.Minute),
		Model:     "llama2",
	}))

	count, err := a.ArchiveBefore(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	path := filepath.Join(dir, "llm_sessions_"+start.Format(time.DateOnly)+".parquet")
	rows, err := parquet.ReadFile[llmSessionRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]llmSessionRow{}
	for _, r := range rows {
		byID[r.ID] = r
	}
	require.NotNil(t, byID["finished"].EndTime)
	assert.Equal(t, end.Format(time.RFC3339), *byID["finished"].EndTime)
	require.NotNil(t, byID["finished"].TimeToFirstTokenMS)
	assert.Equal(t, int64(120), *byID["finished"].TimeToFirstTokenMS)
	assert.Nil(t, byID["unfinished"].EndTime)
	assert.Nil(t, byID["unfinished"].TimeToFirstTokenMS)
}

func TestArchiveSplitsFilesPerDay(t *testing.T) {
	ctx := context.Background()
	a, store, _ := newTestArchiver(t, 7)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for _, daysAgo := range []int{9, 9, 10} {
		require.NoError(t, store.InsertGPUSample(ctx, gpu.Sample{
			Timestamp: now.AddDate(0, 0, -daysAgo),
			Name:      "gpu",
		}))
	}

	count, err := a.ArchiveBefore(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	names, err := a.ListArchives()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"gpu_metrics_2026-08-16.parquet",
		"gpu_metrics_2026-08-17.parquet",
	}, names)

	size, err := a.Size()
	require.NoError(t, err)
	assert.Greater(t, size, uint64(0))
}

func TestMaintainNothingToArchive(t *testing.T) {
	ctx := context.Background()
	a, store, _ := newTestArchiver(t, 7)

	require.NoError(t, store.InsertGPUSample(ctx, gpu.Sample{
		Timestamp: time.Now().UTC(),
		Name:      "gpu",
	}))

	require.NoError(t, a.Maintain(ctx))

	names, err := a.ListArchives()
	require.NoError(t, err)
	assert.Empty(t, names)

	// fresh rows survive
	samples, err := store.RecentSamples(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestArchiveEventsIncludeDuration(t *testing.T) {
	ctx := context.Background()
	a, store, dir := newTestArchiver(t, 7)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, store.InsertProcessEvent(ctx, now.AddDate(0, 0, -10), classifier.ClassifiedProcess{
		PID: 42, Name: "ollama", Category: classifier.CategoryLlmInference,
		GPUMemoryMB: 512, GPUUtilization: 75, CommandLine: "ollama serve",
	}, 30))

	count, err := a.ArchiveBefore(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	day := now.AddDate(0, 0, -10).Format(time.DateOnly)
	rows, err := parquet.ReadFile[processEventRow](filepath.Join(dir, "process_events_"+day+".parquet"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(42), rows[0].PID)
	assert.Equal(t, "llm_inference", rows[0].Category)
	assert.Equal(t, int64(30), rows[0].DurationSecs)
	assert.Equal(t, "ollama serve", rows[0].CommandLine)
}
