// Package ollama tracks LLM generation sessions observed through the
// proxy and talks to the Ollama backend for liveness checks.
package ollama

import "time"

// Session is one finalized LLM generation request.
type Session struct {
	ID         string     `json:"id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Model      string     `json:"model"`

	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`

	// TokensPerSecond = completion_tokens * 1e9 / eval_duration_ns,
	// 0 when the eval duration is unknown.
	TokensPerSecond float64 `json:"tokens_per_second"`

	// TimeToFirstTokenMS is the delay from session start to the first
	// chunk carrying a response payload; nil when no payload arrived.
	TimeToFirstTokenMS *uint64 `json:"time_to_first_token_ms,omitempty"`

	// TimePerOutputTokenMS = eval_duration_ns / 1e6 / completion_tokens,
	// nil when no completion tokens were produced.
	TimePerOutputTokenMS *float64 `json:"time_per_output_token_ms,omitempty"`
}

// StreamChunk is one newline-delimited JSON record of a streaming
// /api/generate or /api/chat response. The backend reports cumulative
// totals per chunk, not deltas.
type StreamChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response,omitempty"`
	Done      bool   `json:"done"`

	EvalCount          *uint64 `json:"eval_count,omitempty"`
	EvalDuration       *uint64 `json:"eval_duration,omitempty"`
	PromptEvalCount    *uint64 `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration *uint64 `json:"prompt_eval_duration,omitempty"`
}
