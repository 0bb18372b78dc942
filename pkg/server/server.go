// Package server exposes the read-only JSON API over the store and a
// live-collection endpoint over the GPU backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"

	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
	"github.com/gpm-project/gpm/pkg/storage"
)

// Server serves the dashboard read API. The GPU backend may be nil
// when no driver is available; /api/realtime then reports 400.
type Server struct {
	store   *storage.Store
	backend gpu.Backend

	dbPath     string
	configPath string
	port       uint16
}

func New(port uint16, store *storage.Store, backend gpu.Backend, dbPath, configPath string) *Server {
	return &Server{
		store:      store,
		backend:    backend,
		dbPath:     dbPath,
		configPath: configPath,
		port:       port,
	}
}

// Router builds the gin engine with permissive CORS. Split from Run so
// tests can drive handlers without a listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(log.Logger.Desugar(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log.Logger.Desugar(), true))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"*"},
	}))

	router.GET("/api/info", s.getInfo)
	router.GET("/api/realtime", s.getRealtime)
	router.GET("/api/historical", s.getHistorical)
	router.GET("/api/chart", s.getChart)
	router.GET("/api/llm-sessions", s.getLLMSessions)
	return router
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Infow("web API listening", "addr", srv.Addr)
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

// MetricData is one device reading rendered for the dashboard.
type MetricData struct {
	Timestamp         string  `json:"timestamp"`
	GPUID             uint32  `json:"gpu_id"`
	Name              string  `json:"name"`
	UtilizationGPU    uint32  `json:"utilization_gpu"`
	UtilizationMemory uint32  `json:"utilization_memory"`
	MemoryUsedMB      float64 `json:"memory_used_mb"`
	MemoryTotalMB     float64 `json:"memory_total_mb"`
	Temperature       uint32  `json:"temperature"`
	PowerUsage        uint32  `json:"power_usage"`
	MemoryPercent     float64 `json:"memory_percent"`
}

func toMetricData(s gpu.Sample) MetricData {
	memoryPercent := 0.0
	if s.MemoryTotal > 0 {
		memoryPercent = float64(s.MemoryUsed) / float64(s.MemoryTotal) * 100.0
	}
	return MetricData{
		Timestamp:         s.Timestamp.Format(time.RFC3339),
		GPUID:             s.GPUID,
		Name:              s.Name,
		UtilizationGPU:    s.UtilizationGPU,
		UtilizationMemory: s.UtilizationMemory,
		MemoryUsedMB:      float64(s.MemoryUsed) / (1024.0 * 1024.0),
		MemoryTotalMB:     float64(s.MemoryTotal) / (1024.0 * 1024.0),
		Temperature:       s.Temperature,
		PowerUsage:        s.PowerUsage,
		MemoryPercent:     memoryPercent,
	}
}

// Info describes the running service for the dashboard landing page.
type Info struct {
	GPUCount      uint32 `json:"gpu_count"`
	DatabasePath  string `json:"database_path"`
	ConfigPath    string `json:"config_path"`
	HasGPUMonitor bool   `json:"has_gpu_monitor"`
}

// ChartResponse carries per-tick labels plus parallel series for one
// device.
type ChartResponse struct {
	Labels            []string  `json:"labels"`
	UtilizationGPU    []uint32  `json:"utilization_gpu"`
	UtilizationMemory []uint32  `json:"utilization_memory"`
	MemoryPercent     []float64 `json:"memory_percent"`
	Temperature       []uint32  `json:"temperature"`
	PowerUsage        []uint32  `json:"power_usage"`
}

// SessionData is one LLM session rendered for the dashboard.
type SessionData struct {
	ID                   string   `json:"id"`
	StartTime            string   `json:"start_time"`
	EndTime              *string  `json:"end_time"`
	Model                string   `json:"model"`
	PromptTokens         uint64   `json:"prompt_tokens"`
	CompletionTokens     uint64   `json:"completion_tokens"`
	TotalTokens          uint64   `json:"total_tokens"`
	TokensPerSecond      float64  `json:"tokens_per_second"`
	TimeToFirstTokenMS   *uint64  `json:"time_to_first_token_ms"`
	TimePerOutputTokenMS *float64 `json:"time_per_output_token_ms"`
}

func toSessionData(s ollama.Session) SessionData {
	data := SessionData{
		ID:                   s.ID,
		StartTime:            s.StartTime.Format(time.RFC3339),
		Model:                s.Model,
		PromptTokens:         s.PromptTokens,
		CompletionTokens:     s.CompletionTokens,
		TotalTokens:          s.TotalTokens,
		TokensPerSecond:      s.TokensPerSecond,
		TimeToFirstTokenMS:   s.TimeToFirstTokenMS,
		TimePerOutputTokenMS: s.TimePerOutputTokenMS,
	}
	if s.EndTime != nil {
		v := s.EndTime.Format(time.RFC3339)
		data.EndTime = &v
	}
	return data
}

func (s *Server) getInfo(c *gin.Context) {
	info := Info{
		DatabasePath: s.dbPath,
		ConfigPath:   s.configPath,
	}
	if s.backend != nil {
		info.GPUCount = s.backend.DeviceCount()
		info.HasGPUMonitor = true
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getRealtime(c *gin.Context) {
	if s.backend == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "GPU monitor not available"})
		return
	}
	samples, err := s.backend.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to collect metrics: %v", err)})
		return
	}
	data := make([]MetricData, 0, len(samples))
	for _, sample := range samples {
		data = append(data, toMetricData(sample))
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) getHistorical(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
		return
	}
	samples, err := s.store.RecentSamples(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get metrics: %v", err)})
		return
	}
	data := make([]MetricData, 0, len(samples))
	for _, sample := range samples {
		data = append(data, toMetricData(sample))
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) getChart(c *gin.Context) {
	gpuID, err := strconv.ParseUint(c.Query("gpu_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gpu_id parameter"})
		return
	}
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
		return
	}

	samples, err := s.store.RecentSamples(c.Request.Context(), hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get metrics: %v", err)})
		return
	}

	resp := ChartResponse{
		Labels:            []string{},
		UtilizationGPU:    []uint32{},
		UtilizationMemory: []uint32{},
		MemoryPercent:     []float64{},
		Temperature:       []uint32{},
		PowerUsage:        []uint32{},
	}
	for _, sample := range samples {
		if sample.GPUID != uint32(gpuID) {
			continue
		}
		d := toMetricData(sample)
		resp.Labels = append(resp.Labels, d.Timestamp)
		resp.UtilizationGPU = append(resp.UtilizationGPU, d.UtilizationGPU)
		resp.UtilizationMemory = append(resp.UtilizationMemory, d.UtilizationMemory)
		resp.MemoryPercent = append(resp.MemoryPercent, d.MemoryPercent)
		resp.Temperature = append(resp.Temperature, d.Temperature)
		resp.PowerUsage = append(resp.PowerUsage, d.PowerUsage)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getLLMSessions(c *gin.Context) {
	start, err := time.Parse(time.RFC3339, c.Query("start_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date format"})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date format"})
		return
	}

	sessions, err := s.store.Sessions(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get LLM sessions: %v", err)})
		return
	}
	data := make([]SessionData, 0, len(sessions))
	for _, session := range sessions {
		data = append(data, toSessionData(session))
	}
	c.JSON(http.StatusOK, data)
}
