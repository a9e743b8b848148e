package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// SentenceAggregator accumulates partial/final transcript fragments from a
// RecognitionSession into complete sentences, generalizing the teacher's
// ad-hoc "a non-final partial ends the previous sentence" rule in
// startStreamingSTT into an explicit merge-window policy: a trailing partial
// is held for sentenceMergeWindow before being treated as settled, so a
// final transcript that arrives just after it can still be merged into the
// same sentence instead of starting a new one.
type SentenceAggregator struct {
	mu sync.Mutex

	mergeWindow time.Duration
	pending     string
	pendingAt   time.Time
	completed   []string
}

// NewSentenceAggregator creates an aggregator with the given merge window.
func NewSentenceAggregator(mergeWindow time.Duration) *SentenceAggregator {
	return &SentenceAggregator{mergeWindow: mergeWindow}
}

// Accept feeds one transcript fragment in. isFinal marks the end of an
// upstream recognition unit and settles the pending sentence at once, so a
// final is never merged with a fragment that arrives after it. A non-final
// fragment stays pending: a further fragment arriving within the merge
// window is merged into it, and once the window elapses without one, the
// pending text is pushed onto the completed queue (by the next Accept or
// PollCompleteSentences).
func (a *SentenceAggregator) Accept(fragment string, isFinal bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.pending != "" && now.Sub(a.pendingAt) > a.mergeWindow {
		a.settleLocked()
	}

	if a.pending == "" {
		a.pending = fragment
	} else {
		a.pending = mergeFragments(a.pending, fragment)
	}
	a.pendingAt = now

	if isFinal {
		a.settleLocked()
	}
}

// mergeFragments joins two transcript fragments, avoiding a duplicated
// overlap when the second fragment simply restates a longer version of the
// first (common with STT vendors that resend an extended partial).
func mergeFragments(prev, next string) string {
	if strings.HasPrefix(next, prev) {
		return next
	}
	if strings.HasPrefix(prev, next) {
		return prev
	}
	return prev + " " + next
}

func (a *SentenceAggregator) settleLocked() {
	if a.pending == "" {
		return
	}
	a.completed = append(a.completed, a.pending)
	a.pending = ""
	a.pendingAt = time.Time{}
}

// PollCompleteSentences drains and returns every sentence settled so far. It
// also settles a pending fragment whose merge window has already elapsed,
// so a caller polling on a timer never leaves a stale partial stranded.
func (a *SentenceAggregator) PollCompleteSentences() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != "" && time.Since(a.pendingAt) > a.mergeWindow {
		a.settleLocked()
	}

	out := a.completed
	a.completed = nil
	return out
}

// ClearSentenceBuffer discards all pending and completed state, used when a
// turn is abandoned (e.g. barge-in cancels the in-flight recognition).
func (a *SentenceAggregator) ClearSentenceBuffer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = ""
	a.pendingAt = time.Time{}
	a.completed = nil
}
