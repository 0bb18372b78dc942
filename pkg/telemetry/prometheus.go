package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
)

var (
	tpsBuckets  = []float64{1, 5, 10, 25, 50, 100, 250, 500}
	ttftBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000}
)

// Scraper is the pull-side exporter family, served in textual scrape
// format at /metrics on its own registry.
type Scraper struct {
	registry *prometheus.Registry

	gpuUtilization *prometheus.GaugeVec
	gpuMemoryUsed  *prometheus.GaugeVec
	gpuMemoryTotal *prometheus.GaugeVec
	gpuTemperature *prometheus.GaugeVec
	gpuPower       *prometheus.GaugeVec

	llmTokensPerSecond  *prometheus.HistogramVec
	llmTimeToFirstToken *prometheus.HistogramVec
	llmSessionCount     *prometheus.GaugeVec

	processCount     *prometheus.GaugeVec
	processGPUMemory *prometheus.GaugeVec
}

func NewScraper() *Scraper {
	gpuLabels := []string{"gpu_id", "gpu_name"}

	s := &Scraper{
		registry: prometheus.NewRegistry(),
		gpuUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_gpu_utilization_percent",
			Help: "GPU utilization percentage",
		}, gpuLabels),
		gpuMemoryUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_gpu_memory_used_bytes",
			Help: "GPU memory used in bytes",
		}, gpuLabels),
		gpuMemoryTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_gpu_memory_total_bytes",
			Help: "GPU total memory in bytes",
		}, gpuLabels),
		gpuTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_gpu_temperature_celsius",
			Help: "GPU temperature in Celsius",
		}, gpuLabels),
		gpuPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_gpu_power_watts",
			Help: "GPU power consumption in watts",
		}, gpuLabels),
		llmTokensPerSecond: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpm_llm_tokens_per_second",
			Help:    "LLM tokens per second",
			Buckets: tpsBuckets,
		}, []string{"model"}),
		llmTimeToFirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpm_llm_time_to_first_token_ms",
			Help:    "Time to first token in milliseconds",
			Buckets: ttftBuckets,
		}, []string{"model"}),
		llmSessionCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_llm_session_count",
			Help: "Number of LLM sessions by model",
		}, []string{"model"}),
		processCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_process_count",
			Help: "Number of GPU processes by category",
		}, []string{"category"}),
		processGPUMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpm_process_gpu_memory_bytes",
			Help: "GPU memory used by process category",
		}, []string{"category"}),
	}

	s.registry.MustRegister(
		s.gpuUtilization,
		s.gpuMemoryUsed,
		s.gpuMemoryTotal,
		s.gpuTemperature,
		s.gpuPower,
		s.llmTokensPerSecond,
		s.llmTimeToFirstToken,
		s.llmSessionCount,
		s.processCount,
		s.processGPUMemory,
	)
	return s
}

// Registry exposes the scrape registry for tests and handler wiring.
func (s *Scraper) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Scraper) UpdateGPUSample(sample gpu.Sample) {
	labels := prometheus.Labels{
		"gpu_id":   strconv.FormatUint(uint64(sample.GPUID), 10),
		"gpu_name": sample.Name,
	}
	s.gpuUtilization.With(labels).Set(float64(sample.UtilizationGPU))
	s.gpuMemoryUsed.With(labels).Set(float64(sample.MemoryUsed))
	s.gpuMemoryTotal.With(labels).Set(float64(sample.MemoryTotal))
	s.gpuTemperature.With(labels).Set(float64(sample.Temperature))
	s.gpuPower.With(labels).Set(float64(sample.PowerUsage))
}

func (s *Scraper) RecordSession(session ollama.Session) {
	s.llmTokensPerSecond.WithLabelValues(session.Model).Observe(session.TokensPerSecond)
	if session.TimeToFirstTokenMS != nil {
		s.llmTimeToFirstToken.WithLabelValues(session.Model).Observe(float64(*session.TimeToFirstTokenMS))
	}
	s.llmSessionCount.WithLabelValues(session.Model).Inc()
}

func (s *Scraper) UpdateProcesses(processes []classifier.ClassifiedProcess) {
	counts := map[string]float64{}
	memory := map[string]float64{}
	for _, p := range processes {
		category := string(p.Category)
		counts[category]++
		memory[category] += float64(p.GPUMemoryMB * 1024 * 1024)
	}
	for category, count := range counts {
		s.processCount.WithLabelValues(category).Set(count)
	}
	for category, bytes := range memory {
		s.processGPUMemory.WithLabelValues(category).Set(bytes)
	}
}

// RunServer serves /metrics until ctx is canceled.
func (s *Scraper) RunServer(ctx context.Context, port uint16) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Infow("metrics scrape server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
