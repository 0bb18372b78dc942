package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/ollama"
	"github.com/gpm-project/gpm/pkg/storage"
)

type fakeBackend struct {
	samples []gpu.Sample
	err     error
}

func (f *fakeBackend) DeviceCount() uint32 { return uint32(len(f.samples)) }
func (f *fakeBackend) Collect(context.Context) ([]gpu.Sample, error) {
	return f.samples, f.err
}
func (f *fakeBackend) Shutdown() {}

func newTestServer(t *testing.T, backend gpu.Backend) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "gpm.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return New(8010, store, backend, "/data/gpm.db", "/config/config.toml"), store
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router().ServeHTTP(w, req)
	return w
}

func TestGetInfo(t *testing.T) {
	backend := &fakeBackend{samples: []gpu.Sample{{GPUID: 0}, {GPUID: 1}}}
	s, _ := newTestServer(t, backend)

	w := doRequest(t, s, "/api/info")
	require.Equal(t, http.StatusOK, w.Code)

	var info Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, uint32(2), info.GPUCount)
	assert.True(t, info.HasGPUMonitor)
	assert.Equal(t, "/data/gpm.db", info.DatabasePath)
}

func TestGetInfoNoBackend(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(t, s, "/api/info")
	require.Equal(t, http.StatusOK, w.Code)

	var info Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Zero(t, info.GPUCount)
	assert.False(t, info.HasGPUMonitor)
}

func TestGetRealtime(t *testing.T) {
	backend := &fakeBackend{samples: []gpu.Sample{{
		Timestamp:      time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		GPUID:          0,
		Name:           "NVIDIA GeForce RTX 3080",
		UtilizationGPU: 45,
		MemoryUsed:     5 << 30,
		MemoryTotal:    10 << 30,
	}}}
	s, _ := newTestServer(t, backend)

	w := doRequest(t, s, "/api/realtime")
	require.Equal(t, http.StatusOK, w.Code)

	var data []MetricData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	require.Len(t, data, 1)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", data[0].Name)
	assert.InDelta(t, 50.0, data[0].MemoryPercent, 1e-9)
	assert.InDelta(t, 5*1024.0, data[0].MemoryUsedMB, 1e-9)
}

func TestGetRealtimeNoBackend(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(t, s, "/api/realtime")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestGetHistorical(t *testing.T) {
	s, store := newTestServer(t, nil)

	require.NoError(t, store.InsertGPUSample(context.Background(), gpu.Sample{
		Timestamp:   time.Now().UTC().Add(-time.Hour),
		Name:        "gpu",
		MemoryUsed:  1 << 30,
		MemoryTotal: 4 << 30,
	}))

	w := doRequest(t, s, "/api/historical?hours=24")
	require.Equal(t, http.StatusOK, w.Code)

	var data []MetricData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	require.Len(t, data, 1)
	assert.InDelta(t, 25.0, data[0].MemoryPercent, 1e-9)
}

func TestGetHistoricalInvalidHours(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(t, s, "/api/historical?hours=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetChartFiltersByGPU(t *testing.T) {
	s, store := newTestServer(t, nil)

	now := time.Now().UTC()
	for _, id := range []uint32{0, 1, 0} {
		require.NoError(t, store.InsertGPUSample(context.Background(), gpu.Sample{
			Timestamp:      now.Add(-time.Minute),
			GPUID:          id,
			Name:           "gpu",
			UtilizationGPU: 10 * id,
			MemoryTotal:    1,
		}))
	}

	w := doRequest(t, s, "/api/chart?gpu_id=0&hours=1")
	require.Equal(t, http.StatusOK, w.Code)

	var chart ChartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chart))
	assert.Len(t, chart.Labels, 2)
	assert.Len(t, chart.UtilizationGPU, 2)
	assert.Len(t, chart.MemoryPercent, 2)
	assert.Len(t, chart.Temperature, 2)
	assert.Len(t, chart.PowerUsage, 2)
}

func TestGetChartMissingGPUID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(t, s, "/api/chart?hours=1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLLMSessions(t *testing.T) {
	s, store := newTestServer(t, nil)

	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertLLMSession(context.Background(), ollama.Session{
		ID:              "s1",
		StartTime:       start,
		Model:           "llama2",
		TokensPerSecond: 12.5,
	}))

	w := doRequest(t, s, "/api/llm-sessions?start_date=2026-08-20T00:00:00Z&end_date=2026-08-21T00:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)

	var data []SessionData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	require.Len(t, data, 1)
	assert.Equal(t, "s1", data[0].ID)
	assert.Nil(t, data[0].EndTime)
}

func TestGetLLMSessionsInvalidDate(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(t, s, "/api/llm-sessions?start_date=notadate&end_date=2026-08-21T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid start_date format")
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	req.Header.Set("Origin", "http://example.com")
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
