package classifier

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpm-project/gpm/pkg/gpu"
)

func newTestClassifier(steamRoots []string) *Classifier {
	return &Classifier{
		steamRoots: steamRoots,
		metaCache:  gocache.New(30*time.Second, time.Minute),
	}
}

func TestDetermineCategory(t *testing.T) {
	c := newTestClassifier(nil)

	tests := []struct {
		name     string
		procName string
		cmdline  string
		exePath  string
		gpuUtil  uint32
		want     Category
	}{
		{
			name:     "ollama serve",
			procName: "ollama",
			cmdline:  "/usr/bin/ollama serve",
			gpuUtil:  50,
			want:     CategoryLlmInference,
		},
		{
			name:     "python training",
			procName: "python3",
			cmdline:  "python3 train.py --model transformer --epochs 10",
			gpuUtil:  80,
			want:     CategoryMlTraining,
		},
		{
			name:     "python inference",
			procName: "python3",
			cmdline:  "python3 inference.py --model llama --generate",
			gpuUtil:  60,
			want:     CategoryLlmInference,
		},
		{
			name:     "ml framework outside python",
			procName: "trainer",
			cmdline:  "./trainer --backend tensorflow",
			gpuUtil:  20,
			want:     CategoryMlTraining,
		},
		{
			name:     "exe with high util",
			procName: "Cyberpunk2077.exe",
			cmdline:  "Cyberpunk2077.exe",
			gpuUtil:  95,
			want:     CategoryGaming,
		},
		{
			name:     "exe with low util is not a game",
			procName: "installer.exe",
			cmdline:  "installer.exe",
			gpuUtil:  10,
			want:     CategoryGeneralCompute,
		},
		{
			name:     "path containing game",
			procName: "eldenring",
			cmdline:  "eldenring",
			exePath:  "/opt/games/eldenring/eldenring",
			gpuUtil:  10,
			want:     CategoryGaming,
		},
		{
			name:     "plain compute",
			procName: "blender",
			cmdline:  "blender --background render.blend",
			gpuUtil:  70,
			want:     CategoryGeneralCompute,
		},
		{
			name:     "ollama rule precedes ml keywords",
			procName: "ollama",
			cmdline:  "ollama run llama3 --torch",
			gpuUtil:  10,
			want:     CategoryLlmInference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.determineCategory(tt.procName, tt.cmdline, tt.exePath, tt.gpuUtil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetermineCategorySteamLibrary(t *testing.T) {
	root := filepath.Join("/home", "user", ".steam", "steam", "steamapps", "common")
	c := newTestClassifier([]string{root})

	got := c.determineCategory(
		"factorio",
		"factorio",
		filepath.Join(root, "Factorio", "bin", "factorio"),
		5,
	)
	assert.Equal(t, CategoryGaming, got)
}

func TestDetermineCategoryDeterministic(t *testing.T) {
	c := newTestClassifier(nil)
	for i := 0; i < 10; i++ {
		got := c.determineCategory("python3", "python3 train.py --model x --torch", "", 50)
		assert.Equal(t, CategoryMlTraining, got)
	}
}

func TestClassifyFusesSamplesWithMetadata(t *testing.T) {
	c := newTestClassifier(nil)
	c.lookupMeta = func(pid uint32) (procMeta, error) {
		switch pid {
		case 100:
			return procMeta{name: "ollama", cmdline: "/usr/bin/ollama serve"}, nil
		case 200:
			return procMeta{}, fmt.Errorf("process gone")
		default:
			return procMeta{name: "blender", cmdline: "blender"}, nil
		}
	}

	samples := []gpu.Sample{
		{
			GPUID:          0,
			UtilizationGPU: 42,
			Processes: []gpu.Process{
				{PID: 100, UsedGPUMemory: 4 * 1024 * 1024 * 1024},
				{PID: 200, UsedGPUMemory: 1024},
			},
		},
		{
			GPUID:          1,
			UtilizationGPU: 10,
			Processes: []gpu.Process{
				{PID: 300, UsedGPUMemory: 512 * 1024 * 1024},
			},
		},
	}

	classified := c.Classify(samples)
	require.Len(t, classified, 2) // pid 200 dropped

	byPID := map[uint32]ClassifiedProcess{}
	for _, p := range classified {
		byPID[p.PID] = p
	}

	require.Contains(t, byPID, uint32(100))
	assert.Equal(t, CategoryLlmInference, byPID[100].Category)
	assert.Equal(t, uint64(4096), byPID[100].GPUMemoryMB)
	assert.Equal(t, uint32(42), byPID[100].GPUUtilization)

	require.Contains(t, byPID, uint32(300))
	assert.Equal(t, CategoryGeneralCompute, byPID[300].Category)
	assert.Equal(t, uint32(10), byPID[300].GPUUtilization)
}

func TestClassifyUsesMetadataCache(t *testing.T) {
	c := newTestClassifier(nil)
	calls := 0
	c.lookupMeta = func(pid uint32) (procMeta, error) {
		calls++
		return procMeta{name: "blender", cmdline: "blender"}, nil
	}

	samples := []gpu.Sample{
		{Processes: []gpu.Process{{PID: 5, UsedGPUMemory: 1}}},
	}

	c.Classify(samples)
	c.Classify(samples)
	assert.Equal(t, 1, calls)
}
