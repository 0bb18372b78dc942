// Package archive exports aged store rows into Snappy-compressed
// parquet files, one file per table per calendar day.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/parquet-go/parquet-go"

	"github.com/gpm-project/gpm/pkg/errdefs"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/storage"
)

// gpuMetricRow mirrors a gpu_metrics store row in columnar form.
type gpuMetricRow struct {
	Timestamp         string `parquet:"timestamp,snappy"`
	GPUID             int32  `parquet:"gpu_id,snappy"`
	Name              string `parquet:"name,snappy"`
	UtilizationGPU    int32  `parquet:"utilization_gpu,snappy"`
	UtilizationMemory int32  `parquet:"utilization_memory,snappy"`
	MemoryUsed        int64  `parquet:"memory_used,snappy"`
	MemoryTotal       int64  `parquet:"memory_total,snappy"`
	Temperature       int32  `parquet:"temperature,snappy"`
	PowerUsage        int32  `parquet:"power_usage,snappy"`
}

type processEventRow struct {
	Timestamp      string `parquet:"timestamp,snappy"`
	PID            int32  `parquet:"pid,snappy"`
	Name           string `parquet:"name,snappy"`
	Category       string `parquet:"category,snappy"`
	GPUMemoryMB    int64  `parquet:"gpu_memory_mb,snappy"`
	GPUUtilization int32  `parquet:"gpu_utilization,snappy"`
	CommandLine    string `parquet:"command_line,snappy"`
	ExePath        string `parquet:"exe_path,snappy"`
	DurationSecs   int64  `parquet:"duration_secs,snappy"`
}

type llmSessionRow struct {
	ID                   string   `parquet:"id,snappy"`
	StartTime            string   `parquet:"start_time,snappy"`
	EndTime              *string  `parquet:"end_time,optional,snappy"`
	Model                string   `parquet:"model,snappy"`
	PromptTokens         int64    `parquet:"prompt_tokens,snappy"`
	CompletionTokens     int64    `parquet:"completion_tokens,snappy"`
	TotalTokens          int64    `parquet:"total_tokens,snappy"`
	TokensPerSecond      float64  `parquet:"tokens_per_second,snappy"`
	TimeToFirstTokenMS   *int64   `parquet:"time_to_first_token_ms,optional,snappy"`
	TimePerOutputTokenMS *float64 `parquet:"time_per_output_token_ms,optional,snappy"`
}

// Archiver exports rows dated before the retention cutoff and then
// deletes the exported range from the store.
type Archiver struct {
	dir           string
	store         *storage.Store
	retentionDays int

	// now is overridden in tests
	now func() time.Time
}

func New(dir string, store *storage.Store, retentionDays int) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create archive directory: %v", errdefs.ErrArchiver, err)
	}
	return &Archiver{
		dir:           dir,
		store:         store,
		retentionDays: retentionDays,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Maintain runs one archival pass. Rows dated before now-retention are
// exported per table per day; if anything was exported, the aged range
// is cleaned up from the store.
func (a *Archiver) Maintain(ctx context.Context) error {
	cutoff := a.now().AddDate(0, 0, -a.retentionDays)
	log.Logger.Infow("running storage maintenance",
		"cutoff", cutoff.Format(time.DateOnly), "dir", a.dir)

	exported, err := a.ArchiveBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	if exported > 0 {
		if _, err := a.store.CleanupOlderThan(ctx, a.retentionDays); err != nil {
			return fmt.Errorf("%w: cleanup after archival: %v", errdefs.ErrArchiver, err)
		}
	}

	size, err := a.Size()
	if err != nil {
		return err
	}
	log.Logger.Infow("archive directory size", "size", humanize.Bytes(size))
	return nil
}

// ArchiveBefore exports all rows dated strictly before the cutoff date
// and returns the total row count written.
func (a *Archiver) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0

	samples, err := a.store.SamplesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: reading gpu_metrics: %v", errdefs.ErrArchiver, err)
	}
	byDay := map[string][]gpuMetricRow{}
	for _, s := range samples {
		day := s.Timestamp.Format(time.DateOnly)
		byDay[day] = append(byDay[day], gpuMetricRow{
			Timestamp:         s.Timestamp.Format(time.RFC3339),
			GPUID:             int32(s.GPUID),
			Name:              s.Name,
			UtilizationGPU:    int32(s.UtilizationGPU),
			UtilizationMemory: int32(s.UtilizationMemory),
			MemoryUsed:        int64(s.MemoryUsed),
			MemoryTotal:       int64(s.MemoryTotal),
			Temperature:       int32(s.Temperature),
			PowerUsage:        int32(s.PowerUsage),
		})
	}
	n, err := writeDays(a.dir, storage.TableGPUMetrics, byDay)
	if err != nil {
		return 0, err
	}
	total += n

	events, err := a.store.EventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: reading process_events: %v", errdefs.ErrArchiver, err)
	}
	eventsByDay := map[string][]processEventRow{}
	for _, ev := range events {
		day := ev.Timestamp.Format(time.DateOnly)
		eventsByDay[day] = append(eventsByDay[day], processEventRow{
			Timestamp:      ev.Timestamp.Format(time.RFC3339),
			PID:            int32(ev.PID),
			Name:           ev.Name,
			Category:       ev.Category,
			GPUMemoryMB:    int64(ev.GPUMemoryMB),
			GPUUtilization: int32(ev.GPUUtilization),
			CommandLine:    ev.CommandLine,
			ExePath:        ev.ExePath,
			DurationSecs:   int64(ev.DurationSecs),
		})
	}
	n, err = writeDays(a.dir, storage.TableProcessEvents, eventsByDay)
	if err != nil {
		return 0, err
	}
	total += n

	sessions, err := a.store.SessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: reading llm_sessions: %v", errdefs.ErrArchiver, err)
	}
	sessionsByDay := map[string][]llmSessionRow{}
	for _, s := range sessions {
		day := s.StartTime.Format(time.DateOnly)
		row := llmSessionRow{
			ID:               s.ID,
			StartTime:        s.StartTime.Format(time.RFC3339),
			Model:            s.Model,
			PromptTokens:     int64(s.PromptTokens),
			CompletionTokens: int64(s.CompletionTokens),
			TotalTokens:      int64(s.TotalTokens),
			TokensPerSecond:  s.TokensPerSecond,
		}
		if s.EndTime != nil {
			v := s.EndTime.Format(time.RFC3339)
			row.EndTime = &v
		}
		if s.TimeToFirstTokenMS != nil {
			v := int64(*s.TimeToFirstTokenMS)
			row.TimeToFirstTokenMS = &v
		}
		if s.TimePerOutputTokenMS != nil {
			v := *s.TimePerOutputTokenMS
			row.TimePerOutputTokenMS = &v
		}
		sessionsByDay[day] = append(sessionsByDay[day], row)
	}
	n, err = writeDays(a.dir, storage.TableLLMSessions, sessionsByDay)
	if err != nil {
		return 0, err
	}
	total += n

	if total > 0 {
		log.Logger.Infow("archived aged rows",
			"gpu_metrics", len(samples),
			"process_events", len(events),
			"llm_sessions", len(sessions))
	}
	return total, nil
}

func writeDays[T any](dir, table string, byDay map[string][]T) (int, error) {
	total := 0
	for day, rows := range byDay {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.parquet", table, day))
		if err := parquet.WriteFile(path, rows); err != nil {
			return 0, fmt.Errorf("%w: writing %s: %v", errdefs.ErrArchiver, path, err)
		}
		log.Logger.Infow("wrote archive file", "file", path, "rows", len(rows))
		total += len(rows)
	}
	return total, nil
}

// Size reports the total byte size of all files under the archive
// directory.
func (a *Archiver) Size() (uint64, error) {
	var size uint64
	err := filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: sizing archive directory: %v", errdefs.ErrArchiver, err)
	}
	return size, nil
}

// ListArchives returns the parquet file names under the archive
// directory in lexical order.
func (a *Archiver) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing archive directory: %v", errdefs.ErrArchiver, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
