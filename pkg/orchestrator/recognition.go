package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RecognitionState is the lifecycle of a single RecognitionSession.
type RecognitionState string

const (
	RecognitionIdle     RecognitionState = "IDLE"
	RecognitionStarting RecognitionState = "STARTING"
	RecognitionActive   RecognitionState = "ACTIVE"
	RecognitionDraining RecognitionState = "DRAINING"
	RecognitionClosed   RecognitionState = "CLOSED"
	RecognitionFailed   RecognitionState = "FAILED"
)

// RecognitionSession owns one upstream STT connection's lifecycle: strictly
// increasing sequence numbers so stale callbacks from a superseded
// connection are ignored, and a Reconnect method that reopens the upstream
// with backoff. Nothing in this package calls Reconnect when the upstream
// drops; reconnection happens only when a caller invokes it. It generalizes the teacher's inline sttGeneration counter in
// ManagedStream into a standalone, testable unit.
type RecognitionSession struct {
	mu       sync.Mutex
	state    RecognitionState
	sequence uint64
	provider StreamingSTTProvider
	lang     Language
	logger   Logger
	metrics  Metrics

	audioCh chan<- []byte
	cancel  context.CancelFunc
}

// NewRecognitionSession creates a session bound to provider. It starts
// Idle; call Open to begin streaming.
func NewRecognitionSession(provider StreamingSTTProvider, lang Language, logger Logger, metrics Metrics) *RecognitionSession {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	return &RecognitionSession{
		state:    RecognitionIdle,
		provider: provider,
		lang:     lang,
		logger:   logger,
		metrics:  metrics,
	}
}

// State returns the session's current lifecycle state.
func (r *RecognitionSession) State() RecognitionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Sequence returns the current sequence number. Every reconnect starts a
// new sequence (spec resolution: new session, new sequence), so callers can
// discard late callbacks tagged with a stale sequence.
func (r *RecognitionSession) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// Open starts streaming recognition, invoking onTranscript for every
// partial/final the provider reports. onTranscript receives the sequence
// the transcript belongs to, so callers can drop callbacks from a session
// superseded by a later reconnect.
func (r *RecognitionSession) Open(ctx context.Context, onTranscript func(seq uint64, transcript string, isFinal bool) error) error {
	r.mu.Lock()
	r.state = RecognitionStarting
	r.sequence++
	seq := r.sequence
	r.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)

	audioCh, err := r.provider.StreamTranscribe(sessionCtx, r.lang, func(transcript string, isFinal bool) error {
		return onTranscript(seq, transcript, isFinal)
	})
	if err != nil {
		cancel()
		r.mu.Lock()
		r.state = RecognitionFailed
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.audioCh = audioCh
	r.cancel = cancel
	r.state = RecognitionActive
	r.mu.Unlock()

	return nil
}

// Push sends one audio chunk to the active upstream session. Returns
// ErrRecognitionSessionClosed if the session isn't Active (e.g. mid
// reconnect, or already closed).
func (r *RecognitionSession) Push(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecognitionActive || r.audioCh == nil {
		return ErrRecognitionSessionClosed
	}
	select {
	case r.audioCh <- chunk:
		return nil
	default:
		return ErrRecognitionSessionClosed
	}
}

// Close tears down the current connection without reconnecting.
func (r *RecognitionSession) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.state = RecognitionClosed
}

// Reconnect tears down the current connection (if any) and opens a fresh
// one with exponential backoff (200ms, 400ms, ...), per spec's bounded
// reconnection requirement. It gives up after maxAttempts and leaves the
// session Failed.
func (r *RecognitionSession) Reconnect(ctx context.Context, maxAttempts int, onTranscript func(seq uint64, transcript string, isFinal bool) error) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBackoffFloor
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		r.logger.Warn("reconnecting recognition session", "attempt", attempt)
		if openErr := r.Open(ctx, onTranscript); openErr != nil {
			return struct{}{}, openErr
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		r.mu.Lock()
		r.state = RecognitionFailed
		r.mu.Unlock()
		r.metrics.IncCounter("recognition_reconnect_exhausted")
		return err
	}

	r.metrics.IncCounter("recognition_reconnect_succeeded")
	return nil
}

// Drain marks the session as winding down: no further audio should be
// pushed, but in-flight transcripts are still expected to arrive.
func (r *RecognitionSession) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecognitionActive {
		r.state = RecognitionDraining
	}
}

// reconnectBackoffFloor is the minimum backoff interval the spec calls out
// (200ms) before doubling on each subsequent attempt.
const reconnectBackoffFloor = 200 * time.Millisecond
