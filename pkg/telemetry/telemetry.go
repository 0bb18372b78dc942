// Package telemetry fans GPU samples, classified processes and LLM
// sessions out to two exporter families: a Prometheus scrape endpoint
// and an OTLP push pipeline.
package telemetry

import (
	"context"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/config"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
)

// Manager holds whichever exporter families the config enables. Either
// side may be nil; update calls fan out to the non-nil ones.
type Manager struct {
	scrape *Scraper
	push   *Recorder

	metricsPort uint16
}

func NewManager(ctx context.Context, cfg config.Telemetry) (*Manager, error) {
	m := &Manager{metricsPort: cfg.MetricsPort}

	if cfg.EnablePrometheus {
		m.scrape = NewScraper()
		log.Logger.Infow("prometheus exporter initialized")
	}

	if cfg.EnableOpenTelemetry {
		push, err := NewRecorder(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		m.push = push
	}

	return m, nil
}

// RunScrapeServer serves the scrape endpoint until ctx is canceled.
// No-op when the scrape family is disabled.
func (m *Manager) RunScrapeServer(ctx context.Context) error {
	if m.scrape == nil {
		<-ctx.Done()
		return nil
	}
	return m.scrape.RunServer(ctx, m.metricsPort)
}

func (m *Manager) UpdateGPUSample(ctx context.Context, sample gpu.Sample) {
	if m.scrape != nil {
		m.scrape.UpdateGPUSample(sample)
	}
	if m.push != nil {
		m.push.UpdateGPUSample(ctx, sample)
	}
}

func (m *Manager) UpdateProcesses(ctx context.Context, processes []classifier.ClassifiedProcess) {
	if m.scrape != nil {
		m.scrape.UpdateProcesses(processes)
	}
	if m.push != nil {
		m.push.UpdateProcesses(ctx, processes)
	}
}

func (m *Manager) RecordSession(ctx context.Context, session ollama.Session) {
	if m.scrape != nil {
		m.scrape.RecordSession(session)
	}
	if m.push != nil {
		m.push.RecordSession(ctx, session)
	}
}

// Shutdown flushes the push pipeline. The scrape server is stopped by
// its own context.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.push != nil {
		m.push.Shutdown(ctx)
	}
}
