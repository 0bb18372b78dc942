// Package classifier assigns GPU-consuming processes to workload
// categories based on process metadata and device utilization.
package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/gpm-project/gpm/pkg/errdefs"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
)

// Category is a workload category for a GPU-using process.
type Category string

const (
	CategoryGaming         Category = "gaming"
	CategoryLlmInference   Category = "llm_inference"
	CategoryMlTraining     Category = "ml_training"
	CategoryGeneralCompute Category = "general_compute"
	CategoryUnknown        Category = "unknown"
)

// Categories lists the assignable categories, Unknown excluded.
func Categories() []Category {
	return []Category{
		CategoryGaming,
		CategoryLlmInference,
		CategoryMlTraining,
		CategoryGeneralCompute,
	}
}

// ClassifiedProcess is one GPU-using PID at one poll tick.
type ClassifiedProcess struct {
	PID         uint32   `json:"pid"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	GPUMemoryMB uint64   `json:"gpu_memory_mb"`

	// GPUUtilization is the device-level utilization at classification
	// time, replicated onto each process of that device.
	GPUUtilization uint32 `json:"gpu_utilization"`

	CommandLine string `json:"command_line"`
	ExePath     string `json:"exe_path,omitempty"`
}

var mlFrameworkKeywords = []string{"tensorflow", "torch", "jax", "mxnet"}

var pythonMLKeywords = []string{
	"transformers", "torch", "tensorflow", "keras",
	"pytorch", "jax", "flax", "diffusers", "vllm",
	"llama", "huggingface", "model.py", "train.py",
}

var inferenceKeywords = []string{"generate", "inference", "predict", "serve", "api"}

var gamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i).*\.exe$`),
	regexp.MustCompile(`(?i).*-dx12\.exe$`),
	regexp.MustCompile(`(?i).*-vulkan\.exe$`),
	regexp.MustCompile(`(?i).*game.*\.exe$`),
	regexp.MustCompile(`(?i).*(unity|unreal).*\.exe$`),
}

type procMeta struct {
	name    string
	cmdline string
	exePath string
}

// Classifier maps PIDs to workload categories. Calls to Classify are
// serialized; the metadata cache mutates between calls.
type Classifier struct {
	mu sync.Mutex

	steamRoots []string
	metaCache  *gocache.Cache

	// lookupMeta is swapped out in tests.
	lookupMeta func(pid uint32) (procMeta, error)
}

func New() *Classifier {
	return &Classifier{
		steamRoots: discoverSteamLibraries(),
		metaCache:  gocache.New(30*time.Second, time.Minute),
		lookupMeta: lookupProcessMeta,
	}
}

// Classify fuses per-GPU process lists with OS process metadata. PIDs
// whose metadata is gone are dropped.
func (c *Classifier) Classify(samples []gpu.Sample) []ClassifiedProcess {
	c.mu.Lock()
	defer c.mu.Unlock()

	type pidUsage struct {
		usedMemory uint64
		deviceUtil uint32
	}

	usage := make(map[uint32]pidUsage)
	for _, sample := range samples {
		for _, proc := range sample.Processes {
			usage[proc.PID] = pidUsage{
				usedMemory: proc.UsedGPUMemory,
				deviceUtil: sample.UtilizationGPU,
			}
		}
	}

	classified := make([]ClassifiedProcess, 0, len(usage))
	for pid, u := range usage {
		meta, err := c.cachedMeta(pid)
		if err != nil {
			log.Logger.Debugw("dropping GPU process without OS metadata", "pid", pid, "error", err)
			continue
		}

		category := c.determineCategory(meta.name, meta.cmdline, meta.exePath, u.deviceUtil)
		log.Logger.Debugw("classified process",
			"pid", pid,
			"name", meta.name,
			"category", category,
			"gpuMemMB", u.usedMemory/1024/1024,
		)

		classified = append(classified, ClassifiedProcess{
			PID:            pid,
			Name:           meta.name,
			Category:       category,
			GPUMemoryMB:    u.usedMemory / 1024 / 1024,
			GPUUtilization: u.deviceUtil,
			CommandLine:    meta.cmdline,
			ExePath:        meta.exePath,
		})
	}
	return classified
}

// determineCategory applies the decision rules in order; the first
// match wins.
func (c *Classifier) determineCategory(name, cmdline, exePath string, gpuUtil uint32) Category {
	if strings.Contains(strings.ToLower(name), "ollama") {
		return CategoryLlmInference
	}

	if isMLFramework(cmdline) {
		return CategoryMlTraining
	}

	if isPythonML(name, cmdline) {
		if looksLikeInference(cmdline) {
			return CategoryLlmInference
		}
		return CategoryMlTraining
	}

	if c.isGame(name, exePath, gpuUtil) {
		return CategoryGaming
	}

	return CategoryGeneralCompute
}

func isMLFramework(cmdline string) bool {
	lower := strings.ToLower(cmdline)
	for _, kw := range mlFrameworkKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isPythonML(name, cmdline string) bool {
	if !strings.Contains(strings.ToLower(name), "python") {
		return false
	}
	lower := strings.ToLower(cmdline)
	for _, kw := range pythonMLKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func looksLikeInference(cmdline string) bool {
	lower := strings.ToLower(cmdline)
	for _, kw := range inferenceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (c *Classifier) isGame(name, exePath string, gpuUtil uint32) bool {
	if exePath != "" {
		for _, root := range c.steamRoots {
			if strings.HasPrefix(exePath, root+string(os.PathSeparator)) || exePath == root {
				return true
			}
		}
		if strings.Contains(strings.ToLower(exePath), "game") {
			return true
		}
	}

	if gpuUtil > 60 {
		for _, pattern := range gamePatterns {
			if pattern.MatchString(name) {
				return true
			}
		}
	}

	return false
}

func (c *Classifier) cachedMeta(pid uint32) (procMeta, error) {
	key := fmt.Sprintf("%d", pid)
	if v, ok := c.metaCache.Get(key); ok {
		return v.(procMeta), nil
	}
	meta, err := c.lookupMeta(pid)
	if err != nil {
		return procMeta{}, err
	}
	c.metaCache.SetDefault(key, meta)
	return meta, nil
}

func lookupProcessMeta(pid uint32) (procMeta, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return procMeta{}, fmt.Errorf("%w: pid %d: %v", errdefs.ErrProcessLookup, pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return procMeta{}, fmt.Errorf("%w: pid %d name: %v", errdefs.ErrProcessLookup, pid, err)
	}
	cmdline, _ := p.Cmdline()
	exePath, _ := p.Exe()
	return procMeta{name: name, cmdline: cmdline, exePath: exePath}, nil
}

// discoverSteamLibraries returns existing Steam library roots for this
// host: the native install, the flatpak variant, and on Windows the
// Program Files locations.
func discoverSteamLibraries() []string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".steam", "steam", "steamapps", "common"),
			filepath.Join(home, ".var", "app", "com.valvesoftware.Steam", ".steam", "steam", "steamapps", "common"),
		)
	}

	for _, env := range []string{"ProgramFiles(x86)", "ProgramFiles"} {
		if pf := os.Getenv(env); pf != "" {
			candidates = append(candidates, filepath.Join(pf, "Steam", "steamapps", "common"))
		}
	}

	var roots []string
	for _, dir := range candidates {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			roots = append(roots, dir)
		}
	}
	return roots
}
