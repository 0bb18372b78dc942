// Package storage persists GPU samples, process events, LLM sessions
// and weekly rollups into a single-file SQLite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
	"github.com/gpm-project/gpm/pkg/sqlite"
)

const (
	TableGPUMetrics      = "gpu_metrics"
	TableProcessEvents   = "process_events"
	TableLLMSessions     = "llm_sessions"
	TableWeeklySummaries = "weekly_summaries"
)

const schema = `
CREATE TABLE IF NOT EXISTS gpu_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	gpu_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	utilization_gpu INTEGER NOT NULL,
	utilization_memory INTEGER NOT NULL,
	memory_used INTEGER NOT NULL,
	memory_total INTEGER NOT NULL,
	temperature INTEGER NOT NULL,
	power_usage INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_timestamp ON gpu_metrics (timestamp);

CREATE TABLE IF NOT EXISTS process_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	pid INTEGER NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	gpu_memory_mb INTEGER NOT NULL,
	gpu_utilization INTEGER NOT NULL,
	command_line TEXT,
	exe_path TEXT,
	duration_secs INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_process_events_timestamp ON process_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_process_events_category ON process_events (category);

CREATE TABLE IF NOT EXISTS llm_sessions (
	id TEXT PRIMARY KEY,
	start_time TEXT NOT NULL,
	end_time TEXT,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	tokens_per_second REAL NOT NULL,
	time_to_first_token_ms INTEGER,
	time_per_output_token_ms REAL
);
CREATE INDEX IF NOT EXISTS idx_llm_sessions_start_time ON llm_sessions (start_time);

CREATE TABLE IF NOT EXISTS weekly_summaries (
	week_start TEXT NOT NULL,
	week_end TEXT NOT NULL,
	category TEXT NOT NULL,
	total_duration_secs INTEGER NOT NULL,
	avg_gpu_utilization REAL NOT NULL,
	max_gpu_utilization INTEGER NOT NULL,
	total_gpu_memory_mb INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	PRIMARY KEY (week_start, category)
);
`

// Store wraps the metrics database with typed accessors. The write
// connection is serialized to a single conn; reads use a small
// read-only pool.
type Store struct {
	dbRW *sql.DB
	dbRO *sql.DB

	// now is overridden in tests
	now func() time.Time
}

// New opens (creating when missing) the database file and applies the
// schema idempotently.
func New(ctx context.Context, dbFile string) (*Store, error) {
	if dir := filepath.Dir(dbFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbRW, err := sqlite.Open(dbFile, false)
	if err != nil {
		return nil, err
	}
	if _, err := dbRW.ExecContext(ctx, schema); err != nil {
		_ = dbRW.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	dbRO, err := sqlite.Open(dbFile, true)
	if err != nil {
		_ = dbRW.Close()
		return nil, err
	}

	log.Logger.Infow("metrics database ready", "file", dbFile)
	return &Store{dbRW: dbRW, dbRO: dbRO, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() {
	if err := s.dbRW.Close(); err != nil {
		log.Logger.Warnw("failed to close database", "error", err)
	}
	if err := s.dbRO.Close(); err != nil {
		log.Logger.Warnw("failed to close database", "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// InsertGPUSample records one device reading. The per-process list is
// not persisted here; see InsertProcessEvent.
func (s *Store) InsertGPUSample(ctx context.Context, sample gpu.Sample) error {
	_, err := s.dbRW.ExecContext(ctx, `
INSERT INTO gpu_metrics (
	timestamp, gpu_id, name, utilization_gpu, utilization_memory,
	memory_used, memory_total, temperature, power_usage
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(sample.Timestamp),
		sample.GPUID,
		sample.Name,
		sample.UtilizationGPU,
		sample.UtilizationMemory,
		int64(sample.MemoryUsed),
		int64(sample.MemoryTotal),
		sample.Temperature,
		sample.PowerUsage,
	)
	return err
}

// InsertProcessEvent records one classified process sighting at the
// given observation time. durationSecs is the elapsed time since the
// previous sighting of the same (pid, category), derived by the caller.
func (s *Store) InsertProcessEvent(ctx context.Context, ts time.Time, p classifier.ClassifiedProcess, durationSecs uint64) error {
	_, err := s.dbRW.ExecContext(ctx, `
INSERT INTO process_events (
	timestamp, pid, name, category, gpu_memory_mb, gpu_utilization,
	command_line, exe_path, duration_secs
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ts),
		p.PID,
		p.Name,
		string(p.Category),
		int64(p.GPUMemoryMB),
		p.GPUUtilization,
		p.CommandLine,
		p.ExePath,
		int64(durationSecs),
	)
	return err
}

// InsertLLMSession upserts a session on its id, updating the columns
// that change at finalization.
func (s *Store) InsertLLMSession(ctx context.Context, session ollama.Session) error {
	var endTime any
	if session.EndTime != nil {
		endTime = formatTime(*session.EndTime)
	}
	var ttft any
	if session.TimeToFirstTokenMS != nil {
		ttft = int64(*session.TimeToFirstTokenMS)
	}
	var tpot any
	if session.TimePerOutputTokenMS != nil {
		tpot = *session.TimePerOutputTokenMS
	}

	_, err := s.dbRW.ExecContext(ctx, `
INSERT INTO llm_sessions (
	id, start_time, end_time, model, prompt_tokens, completion_tokens,
	total_tokens, tokens_per_second, time_to_first_token_ms, time_per_output_token_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	end_time = excluded.end_time,
	completion_tokens = excluded.completion_tokens,
	total_tokens = excluded.total_tokens,
	tokens_per_second = excluded.tokens_per_second,
	time_to_first_token_ms = excluded.time_to_first_token_ms,
	time_per_output_token_ms = excluded.time_per_output_token_ms`,
		session.ID,
		formatTime(session.StartTime),
		endTime,
		session.Model,
		int64(session.PromptTokens),
		int64(session.CompletionTokens),
		int64(session.TotalTokens),
		session.TokensPerSecond,
		ttft,
		tpot,
	)
	return err
}

// RecentSamples returns device readings from the last N hours in
// ascending timestamp order. Rows whose timestamp fails to parse are
// skipped.
func (s *Store) RecentSamples(ctx context.Context, hours int) ([]gpu.Sample, error) {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	return s.querySamples(ctx, `
SELECT timestamp, gpu_id, name, utilization_gpu, utilization_memory,
	memory_used, memory_total, temperature, power_usage
FROM gpu_metrics
WHERE timestamp >= ?
ORDER BY timestamp ASC`, formatTime(cutoff))
}

// SamplesBefore returns device readings whose calendar date falls
// strictly before the cutoff date, ascending.
func (s *Store) SamplesBefore(ctx context.Context, cutoff time.Time) ([]gpu.Sample, error) {
	return s.querySamples(ctx, `
SELECT timestamp, gpu_id, name, utilization_gpu, utilization_memory,
	memory_used, memory_total, temperature, power_usage
FROM gpu_metrics
WHERE DATE(timestamp) < DATE(?)
ORDER BY timestamp ASC`, formatTime(cutoff))
}

func (s *Store) querySamples(ctx context.Context, query string, args ...any) ([]gpu.Sample, error) {
	rows, err := s.dbRO.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []gpu.Sample
	for rows.Next() {
		var ts string
		var sample gpu.Sample
		var memUsed, memTotal int64
		if err := rows.Scan(
			&ts,
			&sample.GPUID,
			&sample.Name,
			&sample.UtilizationGPU,
			&sample.UtilizationMemory,
			&memUsed,
			&memTotal,
			&sample.Temperature,
			&sample.PowerUsage,
		); err != nil {
			return nil, err
		}
		t, ok := parseTime(ts)
		if !ok {
			log.Logger.Debugw("skipping row with unparseable timestamp", "timestamp", ts)
			continue
		}
		sample.Timestamp = t
		sample.MemoryUsed = uint64(memUsed)
		sample.MemoryTotal = uint64(memTotal)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// Sessions returns sessions whose start time falls in [start, end],
// newest first.
func (s *Store) Sessions(ctx context.Context, start, end time.Time) ([]ollama.Session, error) {
	return s.querySessions(ctx, `
SELECT id, start_time, end_time, model, prompt_tokens, completion_tokens,
	total_tokens, tokens_per_second, time_to_first_token_ms, time_per_output_token_ms
FROM llm_sessions
WHERE start_time >= ? AND start_time <= ?
ORDER BY start_time DESC`, formatTime(start), formatTime(end))
}

// SessionsBefore returns sessions started strictly before the cutoff
// date, ascending.
func (s *Store) SessionsBefore(ctx context.Context, cutoff time.Time) ([]ollama.Session, error) {
	return s.querySessions(ctx, `
SELECT id, start_time, end_time, model, prompt_tokens, completion_tokens,
	total_tokens, tokens_per_second, time_to_first_token_ms, time_per_output_token_ms
FROM llm_sessions
WHERE DATE(start_time) < DATE(?)
ORDER BY start_time ASC`, formatTime(cutoff))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]ollama.Session, error) {
	rows, err := s.dbRO.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ollama.Session
	for rows.Next() {
		var session ollama.Session
		var startTS string
		var endTS sql.NullString
		var prompt, completion, total int64
		var ttft sql.NullInt64
		var tpot sql.NullFloat64
		if err := rows.Scan(
			&session.ID,
			&startTS,
			&endTS,
			&session.Model,
			&prompt,
			&completion,
			&total,
			&session.TokensPerSecond,
			&ttft,
			&tpot,
		); err != nil {
			return nil, err
		}
		start, ok := parseTime(startTS)
		if !ok {
			log.Logger.Debugw("skipping row with unparseable timestamp", "timestamp", startTS)
			continue
		}
		session.StartTime = start
		if endTS.Valid {
			if end, ok := parseTime(endTS.String); ok {
				session.EndTime = &end
			}
		}
		session.PromptTokens = uint64(prompt)
		session.CompletionTokens = uint64(completion)
		session.TotalTokens = uint64(total)
		if ttft.Valid {
			v := uint64(ttft.Int64)
			session.TimeToFirstTokenMS = &v
		}
		if tpot.Valid {
			v := tpot.Float64
			session.TimePerOutputTokenMS = &v
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ProcessEventRow mirrors one process_events row for archival export.
type ProcessEventRow struct {
	Timestamp      time.Time
	PID            uint32
	Name           string
	Category       string
	GPUMemoryMB    uint64
	GPUUtilization uint32
	CommandLine    string
	ExePath        string
	DurationSecs   uint64
}

// EventsBefore returns process events dated strictly before the cutoff
// date, ascending.
func (s *Store) EventsBefore(ctx context.Context, cutoff time.Time) ([]ProcessEventRow, error) {
	rows, err := s.dbRO.QueryContext(ctx, `
SELECT timestamp, pid, name, category, gpu_memory_mb, gpu_utilization,
	COALESCE(command_line, ''), COALESCE(exe_path, ''), duration_secs
FROM process_events
WHERE DATE(timestamp) < DATE(?)
ORDER BY timestamp ASC`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ProcessEventRow
	for rows.Next() {
		var ts string
		var ev ProcessEventRow
		var memMB, duration int64
		if err := rows.Scan(
			&ts,
			&ev.PID,
			&ev.Name,
			&ev.Category,
			&memMB,
			&ev.GPUUtilization,
			&ev.CommandLine,
			&ev.ExePath,
			&duration,
		); err != nil {
			return nil, err
		}
		t, ok := parseTime(ts)
		if !ok {
			log.Logger.Debugw("skipping row with unparseable timestamp", "timestamp", ts)
			continue
		}
		ev.Timestamp = t
		ev.GPUMemoryMB = uint64(memMB)
		ev.DurationSecs = uint64(duration)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanupOlderThan deletes device readings older than the retention
// window. Process events and sessions survive cleanup until archived.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	result, err := s.dbRW.ExecContext(ctx,
		"DELETE FROM gpu_metrics WHERE timestamp < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Logger.Infow("cleaned up aged device readings", "deleted", deleted)
	}
	return deleted, nil
}

// ComputeWeeklyRollup aggregates process_events per category over the
// week starting at weekStart (a Monday) and upserts one summary row per
// category that had any events.
func (s *Store) ComputeWeeklyRollup(ctx context.Context, weekStart time.Time) error {
	weekStartDate := weekStart.UTC().Format(time.DateOnly)
	weekEndDate := weekStart.UTC().AddDate(0, 0, 7).Format(time.DateOnly)

	for _, category := range classifier.Categories() {
		var count int64
		var avgUtil sql.NullFloat64
		var maxUtil, totalMem, totalDuration sql.NullInt64
		err := s.dbRO.QueryRowContext(ctx, `
SELECT COUNT(*), AVG(gpu_utilization), MAX(gpu_utilization),
	SUM(gpu_memory_mb), SUM(duration_secs)
FROM process_events
WHERE category = ? AND DATE(timestamp) >= ? AND DATE(timestamp) < ?`,
			string(category), weekStartDate, weekEndDate,
		).Scan(&count, &avgUtil, &maxUtil, &totalMem, &totalDuration)
		if err != nil {
			return err
		}
		if count == 0 {
			continue
		}

		_, err = s.dbRW.ExecContext(ctx, `
INSERT INTO weekly_summaries (
	week_start, week_end, category, total_duration_secs,
	avg_gpu_utilization, max_gpu_utilization, total_gpu_memory_mb, event_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(week_start, category) DO UPDATE SET
	total_duration_secs = excluded.total_duration_secs,
	avg_gpu_utilization = excluded.avg_gpu_utilization,
	max_gpu_utilization = excluded.max_gpu_utilization,
	total_gpu_memory_mb = excluded.total_gpu_memory_mb,
	event_count = excluded.event_count`,
			weekStartDate,
			weekEndDate,
			string(category),
			totalDuration.Int64,
			avgUtil.Float64,
			maxUtil.Int64,
			totalMem.Int64,
			count,
		)
		if err != nil {
			return err
		}
		log.Logger.Debugw("weekly rollup upserted",
			"week_start", weekStartDate, "category", category, "events", count)
	}
	return nil
}

// WeeklySummary is one (week, category) aggregate row.
type WeeklySummary struct {
	WeekStart         string  `json:"week_start"`
	WeekEnd           string  `json:"week_end"`
	Category          string  `json:"category"`
	TotalDurationSecs uint64  `json:"total_duration_secs"`
	AvgGPUUtilization float64 `json:"avg_gpu_utilization"`
	MaxGPUUtilization uint32  `json:"max_gpu_utilization"`
	TotalGPUMemoryMB  uint64  `json:"total_gpu_memory_mb"`
	EventCount        uint64  `json:"event_count"`
}

// WeeklySummaries returns all rollup rows, newest week first.
func (s *Store) WeeklySummaries(ctx context.Context) ([]WeeklySummary, error) {
	rows, err := s.dbRO.QueryContext(ctx, `
SELECT week_start, week_end, category, total_duration_secs,
	avg_gpu_utilization, max_gpu_utilization, total_gpu_memory_mb, event_count
FROM weekly_summaries
ORDER BY week_start DESC, category ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []WeeklySummary
	for rows.Next() {
		var w WeeklySummary
		var duration, mem, count int64
		if err := rows.Scan(
			&w.WeekStart,
			&w.WeekEnd,
			&w.Category,
			&duration,
			&w.AvgGPUUtilization,
			&w.MaxGPUUtilization,
			&mem,
			&count,
		); err != nil {
			return nil, err
		}
		w.TotalDurationSecs = uint64(duration)
		w.TotalGPUMemoryMB = uint64(mem)
		w.EventCount = uint64(count)
		summaries = append(summaries, w)
	}
	return summaries, rows.Err()
}

// DBSize reports the database size in bytes.
func (s *Store) DBSize(ctx context.Context) (uint64, error) {
	return sqlite.ReadDBSize(ctx, s.dbRO)
}
