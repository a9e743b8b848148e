package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReplyTask generalizes the teacher's runLLMAndTTS: one cancel token
// threaded through LLM generation and TTS synthesis, instead of the three
// separate context/cancel-func fields (responseCancel, ttsCancel,
// pipelineCancel) the teacher kept on ManagedStream. Cancelling a ReplyTask
// is the single choke point that stops both stages.
type ReplyTask struct {
	ID  string
	ctx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	done     bool
	err      error
	finished chan struct{}
}

// NewReplyTask derives a cancellable task from parent.
func NewReplyTask(parent context.Context) *ReplyTask {
	ctx, cancel := context.WithCancel(parent)
	return &ReplyTask{
		ID:       newID("reply"),
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
}

// Cancel aborts the task. Safe to call multiple times and from any
// goroutine; typically invoked by the Barge-in Coordinator.
func (t *ReplyTask) Cancel() {
	t.cancel()
}

// Done reports whether the task has finished (successfully, with an error,
// or via cancellation).
func (t *ReplyTask) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Wait blocks until the task finishes and returns its terminal error, if
// any (ErrReplyCancelled if it was cancelled before completing).
func (t *ReplyTask) Wait() error {
	<-t.finished
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *ReplyTask) finish(err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.err = err
	t.mu.Unlock()
	close(t.finished)
}

// DialogueOrchestrator runs a ReplyTask to completion: calls the LLM
// (streaming when available, batch otherwise), forwards generated text to
// the TTS provider as it arrives, and emits resulting audio chunks through
// onAudio. Either stage failing, or the task being cancelled, stops both.
type DialogueOrchestrator struct {
	llm     LLMProvider
	tts     TTSProvider
	logger  Logger
	metrics Metrics
}

// NewDialogueOrchestrator wires the LLM/TTS providers C6 drives.
func NewDialogueOrchestrator(llm LLMProvider, tts TTSProvider, logger Logger, metrics Metrics) *DialogueOrchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	return &DialogueOrchestrator{llm: llm, tts: tts, logger: logger, metrics: metrics}
}

// Run executes task: generates a reply to messages and streams synthesized
// audio to onAudio, handing each chunk of generated text to TTS as it
// arrives (each streamed LLM chunk, or the whole reply from a batch LLM).
// It returns the full reply text once the task completes (by finishing or
// being cancelled).
func (d *DialogueOrchestrator) Run(task *ReplyTask, messages []Message, voice Voice, lang Language, onAudio func([]byte) error) (string, error) {
	defer func() {
		if r := recover(); r != nil {
			task.finish(ErrLLMFailed)
		}
	}()

	start := time.Now()
	var fullReply strings.Builder
	var replyMu sync.Mutex

	g, gctx := errgroup.WithContext(task.ctx)
	textCh := make(chan string, 8)

	g.Go(func() error {
		defer close(textCh)
		if streaming, ok := d.llm.(StreamingLLMProvider); ok {
			return streaming.StreamComplete(gctx, messages, func(chunk string) error {
				replyMu.Lock()
				fullReply.WriteString(chunk)
				replyMu.Unlock()
				select {
				case textCh <- chunk:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}

		text, err := d.llm.Complete(gctx, messages)
		if err != nil {
			return err
		}
		replyMu.Lock()
		fullReply.WriteString(text)
		replyMu.Unlock()
		select {
		case textCh <- text:
		case <-gctx.Done():
			return gctx.Err()
		}
		return nil
	})

	g.Go(func() error {
		for chunk := range textCh {
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			err := d.tts.StreamSynthesize(gctx, chunk, voice, lang, func(audio []byte) error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				return onAudio(audio)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	d.metrics.RecordLatency("dialogue_total", time.Since(start))

	if err != nil {
		if task.ctx.Err() != nil {
			task.finish(ErrReplyCancelled)
			return fullReply.String(), ErrReplyCancelled
		}
		task.finish(err)
		return fullReply.String(), err
	}

	task.finish(nil)
	return fullReply.String(), nil
}
