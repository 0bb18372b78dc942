package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gpm-project/gpm/pkg/errdefs"
	"github.com/gpm-project/gpm/pkg/log"
)

// Client probes the Ollama backend API.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

func NewClient(apiURL string) *Client {
	return &Client{
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// IsRunning reports whether the backend answers GET /api/tags.
func (c *Client) IsRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Logger.Debugw("ollama API not reachable", "error", err)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		log.Logger.Debugw("ollama API returned non-success status", "status", resp.StatusCode)
	}
	return ok
}

// RunningModels lists the models currently loaded by the backend via
// GET /api/ps. A non-success status yields an empty list, not an
// error.
func (c *Client) RunningModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/ps", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrOllama, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: query running models: %v", errdefs.ErrOllama, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", errdefs.ErrOllama, err)
	}

	models := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
