package ollama

import (
	"sync"
	"time"

	"github.com/gpm-project/gpm/pkg/log"
)

type partialSession struct {
	sessionID      string
	model          string
	startTime      time.Time
	firstTokenTime *time.Time

	promptTokens         uint64
	completionTokens     uint64
	promptEvalDurationNS uint64
	evalDurationNS       uint64
}

// Tracker folds streaming chunk records into finalized sessions. Many
// sessions progress concurrently; each map update happens under the
// partial-map lock, which is released before the completed buffer is
// touched.
type Tracker struct {
	mu        sync.Mutex
	partials  map[string]*partialSession
	finalized map[string]struct{}

	completedMu sync.Mutex
	completed   []Session

	// now is swapped out in tests.
	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		partials:  make(map[string]*partialSession),
		finalized: make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Track folds one chunk into the session's partial state. The first
// chunk with Done set finalizes the session exactly once; chunks
// arriving for an already-finalized id are ignored. The finalized set
// is cleared on drain; a straggler past that point re-finalizes, but
// the store upsert keyed on id still yields a single session row.
func (t *Tracker) Track(sessionID, model string, chunk StreamChunk) {
	now := t.now()

	t.mu.Lock()
	if _, done := t.finalized[sessionID]; done {
		t.mu.Unlock()
		return
	}
	partial, ok := t.partials[sessionID]
	if !ok {
		partial = &partialSession{
			sessionID: sessionID,
			model:     model,
			startTime: now,
		}
		t.partials[sessionID] = partial
	}

	if partial.firstTokenTime == nil && chunk.Response != "" {
		ts := now
		partial.firstTokenTime = &ts
	}

	// cumulative totals, overwrite rather than accumulate
	if chunk.PromptEvalCount != nil {
		partial.promptTokens = *chunk.PromptEvalCount
	}
	if chunk.EvalCount != nil {
		partial.completionTokens = *chunk.EvalCount
	}
	if chunk.PromptEvalDuration != nil {
		partial.promptEvalDurationNS = *chunk.PromptEvalDuration
	}
	if chunk.EvalDuration != nil {
		partial.evalDurationNS = *chunk.EvalDuration
	}

	if !chunk.Done {
		t.mu.Unlock()
		return
	}

	session := finalize(*partial, now)
	delete(t.partials, sessionID)
	t.finalized[sessionID] = struct{}{}
	t.mu.Unlock()

	t.completedMu.Lock()
	t.completed = append(t.completed, session)
	t.completedMu.Unlock()

	log.Logger.Infow("completed LLM session",
		"model", session.Model,
		"totalTokens", session.TotalTokens,
		"tokensPerSecond", session.TokensPerSecond,
	)
}

func finalize(p partialSession, endTime time.Time) Session {
	s := Session{
		ID:               p.sessionID,
		StartTime:        p.startTime,
		EndTime:          &endTime,
		Model:            p.model,
		PromptTokens:     p.promptTokens,
		CompletionTokens: p.completionTokens,
		TotalTokens:      p.promptTokens + p.completionTokens,
	}

	if p.evalDurationNS > 0 {
		s.TokensPerSecond = float64(p.completionTokens) * 1e9 / float64(p.evalDurationNS)
	}

	if p.firstTokenTime != nil {
		ttft := uint64(p.firstTokenTime.Sub(p.startTime).Milliseconds())
		s.TimeToFirstTokenMS = &ttft
	}

	if p.completionTokens > 0 && p.evalDurationNS > 0 {
		tpot := float64(p.evalDurationNS) / 1e6 / float64(p.completionTokens)
		s.TimePerOutputTokenMS = &tpot
	}

	return s
}

// DrainCompleted returns the finalized sessions accumulated since the
// previous drain and clears the buffer. The two locks are taken
// sequentially, never nested, to keep the lock order flat.
func (t *Tracker) DrainCompleted() []Session {
	t.completedMu.Lock()
	drained := t.completed
	t.completed = nil
	t.completedMu.Unlock()

	if len(drained) > 0 {
		t.mu.Lock()
		for _, s := range drained {
			delete(t.finalized, s.ID)
		}
		t.mu.Unlock()
	}
	return drained
}

// ActiveSessions reports the number of in-progress generations.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.partials)
}
