// Package proxy interposes an HTTP forwarder in front of a local
// Ollama server and tees streaming response bodies into the session
// tracker.
//
// The data path is a plain net/http handler: the tee must flush every
// upstream chunk to the client before, and independently of, metric
// parsing. Parsing runs fire-and-forget per chunk; a lost observation
// is acceptable, a delayed payload byte is not.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
)

const (
	// maxRequestBody caps buffered request bodies at 10 MiB.
	maxRequestBody = 10 << 20

	upstreamTimeout = 300 * time.Second
)

// Proxy forwards any method on any path to the backend URL.
type Proxy struct {
	listenAddr string
	backendURL string
	tracker    *ollama.Tracker
	client     *http.Client
}

func New(port uint16, backendURL string, tracker *ollama.Tracker) *Proxy {
	return &Proxy{
		listenAddr: fmt.Sprintf(":%d", port),
		backendURL: strings.TrimRight(backendURL, "/"),
		tracker:    tracker,
		client: &http.Client{
			Timeout: upstreamTimeout,
		},
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (p *Proxy) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.listenAddr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Infow("ollama proxy listening", "addr", p.listenAddr, "backend", p.backendURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.Logger.Infow("ollama proxy shut down")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	if len(body) > maxRequestBody {
		writeError(w, http.StatusBadRequest, "request body exceeds 10MiB limit")
		return
	}

	target := p.backendURL + r.URL.RequestURI()
	log.Logger.Debugw("proxying request", "method", r.Method, "path", r.URL.Path)

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, reqBody)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to build upstream request: %v", err))
		return
	}

	for name, values := range r.Header {
		if dropRequestHeader(name) {
			continue
		}
		for _, v := range values {
			upReq.Header.Add(name, v)
		}
	}

	resp, err := p.client.Do(upReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to connect to ollama backend: %v", err))
		return
	}
	defer resp.Body.Close()

	if isStreamingPath(r.URL.Path) && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.streamResponse(w, resp, extractModel(body))
		return
	}

	p.bufferResponse(w, resp)
}

// streamResponse forwards the upstream body chunk by chunk, flushing
// after every write. Each chunk is also handed to a parser goroutine;
// the goroutine never blocks the downstream write.
func (p *Proxy) streamResponse(w http.ResponseWriter, resp *http.Response, model string) {
	sessionID := uuid.NewString()
	log.Logger.Debugw("tracking LLM session", "session", sessionID, "model", model)

	copyHeaders(w, resp.Header, true)
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Logger.Warnw("client write failed mid-stream", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

			chunk := append([]byte(nil), buf[:n]...)
			go p.parseChunk(sessionID, model, chunk)
		}
		if err != nil {
			if err != io.EOF {
				log.Logger.Warnw("stream chunk error", "error", err)
			}
			return
		}
	}
}

func (p *Proxy) bufferResponse(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to read upstream response: %v", err))
		return
	}

	copyHeaders(w, resp.Header, false)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// parseChunk decodes the newline-delimited JSON records in one body
// chunk and feeds them to the tracker. Decode failures are silent; the
// bytes already went to the client unchanged.
func (p *Proxy) parseChunk(sessionID, model string, chunk []byte) {
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var record ollama.StreamChunk
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		p.tracker.Track(sessionID, model, record)
	}
}

func isStreamingPath(path string) bool {
	return path == "/api/generate" || path == "/api/chat"
}

func dropRequestHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Host", "Content-Length", "Transfer-Encoding":
		return true
	}
	return false
}

func copyHeaders(w http.ResponseWriter, src http.Header, dropContentLength bool) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Transfer-Encoding" {
			continue
		}
		if dropContentLength && canonical == "Content-Length" {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}

// extractModel pulls the "model" field out of a request body;
// "unknown" when the body is empty or unparseable.
func extractModel(body []byte) string {
	if len(body) == 0 {
		return "unknown"
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Model == "" {
		return "unknown"
	}
	return payload.Model
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
