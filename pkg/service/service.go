// Package service supervises the periodic workers: the metrics
// collector, the session reaper and the storage maintenance job, plus
// the HTTP surfaces (web API, metrics scrape endpoint, Ollama proxy).
package service

import (
	"context"
	"sync"
	"time"

	"github.com/gpm-project/gpm/pkg/archive"
	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/config"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
	"github.com/gpm-project/gpm/pkg/proxy"
	"github.com/gpm-project/gpm/pkg/server"
	"github.com/gpm-project/gpm/pkg/storage"
	"github.com/gpm-project/gpm/pkg/telemetry"
)

const (
	reaperInterval      = 5 * time.Second
	maintenanceInterval = time.Hour
)

type processKey struct {
	pid      uint32
	category classifier.Category
}

// Service owns the GPU backend, the classifier, the store and the
// telemetry fan-out, and shares the session tracker with the proxy.
type Service struct {
	cfg       config.Config
	backend   gpu.Backend
	clf       *classifier.Classifier
	store     *storage.Store
	telemetry *telemetry.Manager

	// nil when Ollama monitoring is disabled
	tracker *ollama.Tracker
	client  *ollama.Client
	proxy   *proxy.Proxy

	// nil when parquet archival is disabled
	archiver *archive.Archiver

	api *server.Server

	// lastSeen tracks the previous sighting per (pid, category) for
	// deriving per-event durations. Collector-goroutine only.
	lastSeen map[processKey]time.Time

	now func() time.Time
}

// New wires the full service from configuration. Initialization
// failures here are fatal to the process.
func New(ctx context.Context, cfg config.Config) (*Service, error) {
	backend, err := gpu.New(cfg.GPU)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.DatabasePath())
	if err != nil {
		backend.Shutdown()
		return nil, err
	}

	tel, err := telemetry.NewManager(ctx, cfg.Telemetry)
	if err != nil {
		store.Close()
		backend.Shutdown()
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		backend:   backend,
		clf:       classifier.New(),
		store:     store,
		telemetry: tel,
		api:       server.New(config.DefaultAPIPort, store, backend, cfg.DatabasePath(), config.Path()),
		lastSeen:  map[processKey]time.Time{},
		now:       func() time.Time { return time.Now().UTC() },
	}

	if cfg.Ollama.Enabled {
		s.tracker = ollama.NewTracker()
		s.client = ollama.NewClient(cfg.Ollama.APIURL)
		s.proxy = proxy.New(cfg.Ollama.ProxyPort, cfg.Ollama.APIURL, s.tracker)
	} else {
		log.Logger.Infow("ollama monitoring disabled")
	}

	if cfg.Storage.EnableParquetArchival {
		s.archiver, err = archive.New(cfg.Storage.ArchiveDir, store, int(cfg.Storage.RetentionDays))
		if err != nil {
			tel.Shutdown(ctx)
			store.Close()
			backend.Shutdown()
			return nil, err
		}
	}

	return s, nil
}

// Run starts all workers and servers and blocks until ctx is canceled.
// Workers stop at their next select point; in-flight calls complete
// naturally.
func (s *Service) Run(ctx context.Context) error {
	log.Logger.Infow("gpm service starting",
		"poll_interval_secs", s.cfg.Service.PollIntervalSecs,
		"ollama", s.cfg.Ollama.Enabled,
		"archival", s.cfg.Storage.EnableParquetArchival)

	s.runWorkers(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.telemetry.Shutdown(shutdownCtx)
	s.backend.Shutdown()
	s.store.Close()

	log.Logger.Infow("gpm service stopped")
	return nil
}

// runWorkers starts every worker and server and blocks until all of
// them observe the cancellation.
func (s *Service) runWorkers(ctx context.Context) {
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Logger.Errorw("worker failed", "worker", name, "error", err)
			}
		}()
	}

	run("scrape-server", s.telemetry.RunScrapeServer)
	if s.api != nil {
		run("web-api", s.api.Run)
	}
	if s.proxy != nil {
		run("ollama-proxy", s.proxy.Run)
	}
	run("collector", s.collectorLoop)
	run("session-reaper", s.reaperLoop)
	run("maintenance", s.maintenanceLoop)

	wg.Wait()
}

func (s *Service) collectorLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.Service.PollIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.collectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Logger.Infow("metrics collector shutting down")
			return nil
		case <-ticker.C:
			s.collectOnce(ctx)
		}
	}
}

func (s *Service) collectOnce(ctx context.Context) {
	samples, err := s.backend.Collect(ctx)
	if err != nil {
		log.Logger.Warnw("failed to collect GPU samples", "error", err)
		return
	}

	for _, sample := range samples {
		if err := s.store.InsertGPUSample(ctx, sample); err != nil {
			log.Logger.Errorw("failed to store GPU sample", "error", err)
		}
		s.telemetry.UpdateGPUSample(ctx, sample)
		s.checkAlerts(sample)
	}

	processes := s.clf.Classify(samples)
	now := s.now()
	for _, p := range processes {
		duration := s.sightingDuration(p, now)
		if err := s.store.InsertProcessEvent(ctx, now, p, duration); err != nil {
			log.Logger.Errorw("failed to store process event", "error", err)
		}
	}
	s.telemetry.UpdateProcesses(ctx, processes)
	s.pruneLastSeen(now)

	log.Logger.Debugw("collector tick",
		"gpus", len(samples), "processes", len(processes))
}

// sightingDuration derives the elapsed seconds since the previous
// sighting of the same (pid, category). First sightings count as 0; a
// gap longer than two poll intervals is treated as a restart and
// capped.
func (s *Service) sightingDuration(p classifier.ClassifiedProcess, now time.Time) uint64 {
	key := processKey{pid: p.PID, category: p.Category}
	prev, seen := s.lastSeen[key]
	s.lastSeen[key] = now
	if !seen {
		return 0
	}
	elapsed := now.Sub(prev)
	if limit := 2 * time.Duration(s.cfg.Service.PollIntervalSecs) * time.Second; elapsed > limit {
		elapsed = limit
	}
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / time.Second)
}

func (s *Service) pruneLastSeen(now time.Time) {
	horizon := 10 * time.Duration(s.cfg.Service.PollIntervalSecs) * time.Second
	for key, seen := range s.lastSeen {
		if now.Sub(seen) > horizon {
			delete(s.lastSeen, key)
		}
	}
}

func (s *Service) checkAlerts(sample gpu.Sample) {
	if t := s.cfg.Alerts.TempThresholdCelsius; t > 0 && float64(sample.Temperature) > t {
		log.Logger.Warnw("GPU temperature above threshold",
			"gpu_id", sample.GPUID, "temperature", sample.Temperature, "threshold", t)
	}
	if t := s.cfg.Alerts.MemoryThresholdPercent; t > 0 && sample.MemoryTotal > 0 {
		percent := float64(sample.MemoryUsed) / float64(sample.MemoryTotal) * 100.0
		if percent > t {
			log.Logger.Warnw("GPU memory above threshold",
				"gpu_id", sample.GPUID, "percent", percent, "threshold", t)
		}
	}
}

func (s *Service) reaperLoop(ctx context.Context) error {
	if s.tracker == nil {
		return nil
	}

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Logger.Infow("session reaper shutting down")
			return nil
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Service) reapOnce(ctx context.Context) {
	if s.client.IsRunning(ctx) {
		if models, err := s.client.RunningModels(ctx); err == nil && len(models) > 0 {
			log.Logger.Debugw("ollama models loaded", "models", models)
		}
	} else {
		log.Logger.Debugw("ollama backend not reachable")
	}

	for _, session := range s.tracker.DrainCompleted() {
		if err := s.store.InsertLLMSession(ctx, session); err != nil {
			log.Logger.Errorw("failed to store LLM session", "error", err, "session", session.ID)
			continue
		}
		s.telemetry.RecordSession(ctx, session)
		log.Logger.Infow("LLM session recorded",
			"session", session.ID,
			"model", session.Model,
			"tokens", session.TotalTokens,
			"tokens_per_second", session.TokensPerSecond)
	}
}

func (s *Service) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	s.maintainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Logger.Infow("maintenance worker shutting down")
			return nil
		case <-ticker.C:
			s.maintainOnce(ctx)
		}
	}
}

func (s *Service) maintainOnce(ctx context.Context) {
	if s.archiver != nil {
		if err := s.archiver.Maintain(ctx); err != nil {
			log.Logger.Errorw("storage maintenance failed", "error", err)
		}
	}

	weekStart := weekStartMonday(s.now())
	if err := s.store.ComputeWeeklyRollup(ctx, weekStart); err != nil {
		log.Logger.Errorw("failed to compute weekly rollup", "error", err)
	}
}

// weekStartMonday returns midnight UTC of the Monday of t's week.
func weekStartMonday(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
