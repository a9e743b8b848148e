package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptedVAD is a VADProvider a test drives directly with queue, bypassing
// RMSVAD's real hysteresis timing so phase-machine transitions are
// deterministic regardless of test-runner scheduling.
type scriptedVAD struct {
	mu   sync.Mutex
	next *VADEvent
}

func (v *scriptedVAD) queue(ev *VADEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next = ev
}

func (v *scriptedVAD) Process(chunk []byte) (*VADEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ev := v.next
	v.next = nil
	return ev, nil
}

func (v *scriptedVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next = nil
}

func (v *scriptedVAD) Clone() VADProvider { return &scriptedVAD{} }
func (v *scriptedVAD) Name() string       { return "scripted_vad" }

// mockStreamingSTT implements StreamingSTTProvider with transcripts fired on
// demand via fire, letting a test drive the Recognition Session without a
// real upstream connection. opened signals every StreamTranscribe call so a
// test can synchronize on the session actually being open before firing.
type mockStreamingSTT struct {
	mu           sync.Mutex
	onTranscript func(transcript string, isFinal bool) error
	opened       chan struct{}
}

func newMockStreamingSTT() *mockStreamingSTT {
	return &mockStreamingSTT{opened: make(chan struct{}, 8)}
}

func (m *mockStreamingSTT) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return "", nil
}

func (m *mockStreamingSTT) Name() string { return "mock_streaming_stt" }

func (m *mockStreamingSTT) StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	ch := make(chan []byte, 32)
	m.mu.Lock()
	m.onTranscript = onTranscript
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
	}()

	select {
	case m.opened <- struct{}{}:
	default:
	}
	return ch, nil
}

// fire invokes the last-registered onTranscript callback, as the upstream
// connection would when it has a transcript ready.
func (m *mockStreamingSTT) fire(transcript string, isFinal bool) error {
	m.mu.Lock()
	cb := m.onTranscript
	m.mu.Unlock()
	if cb == nil {
		return nil
	}
	return cb(transcript, isFinal)
}

// blockingTTS emits one chunk then blocks until Abort is called, so a test
// can deterministically exercise barge-in cancellation mid-stream.
type blockingTTS struct {
	mu      sync.Mutex
	aborted chan struct{}
}

func newBlockingTTS() *blockingTTS {
	return &blockingTTS{aborted: make(chan struct{})}
}

func (b *blockingTTS) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	return []byte("audio:" + text), nil
}

func (b *blockingTTS) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	if err := onChunk([]byte("audio:" + text)); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.aborted:
		return nil
	}
}

func (b *blockingTTS) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.aborted:
	default:
		close(b.aborted)
	}
	return nil
}

func (b *blockingTTS) Name() string { return "blocking_tts" }

func newTestManagedStream(vad VADProvider, stt STTProvider, llm LLMProvider, tts TTSProvider, cfg Config) (*ManagedStream, *ConversationSession) {
	orch := NewWithVAD(stt, llm, tts, vad, cfg)
	sess := NewConversationSession("test")
	return NewManagedStream(context.Background(), orch, sess), sess
}

// waitForEvent drains stream events until one of type matches, or fails the
// test after timeout.
func waitForEvent(t *testing.T, ms *ManagedStream, want EventType, timeout time.Duration) OrchestratorEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ms.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

// TestManagedStream_FullTurnStreamingSTT drives a full turn through the
// wired pipeline with a streaming STT provider: Voice frames open
// recognition and confirm Speaking, a final transcript settles a sentence
// and starts a reply, and playback moves the phase machine to Listening.
func TestManagedStream_FullTurnStreamingSTT(t *testing.T) {
	vad := &scriptedVAD{}
	stt := newMockStreamingSTT()
	llm := &MockLLMProvider{completeResult: "hi there"}
	tts := newBlockingTTS()

	cfg := DefaultConfig()
	cfg.MinVoiceFrames = 1
	cfg.TransitionBufferMS = 2000
	cfg.MaxSilenceMS = 2000

	ms, _ := newTestManagedStream(vad, stt, llm, tts, cfg)
	defer ms.Close()

	chunk := make([]byte, 320)

	vad.queue(&VADEvent{Type: VADSpeechStart})
	if err := ms.Write(chunk); err != nil {
		t.Fatal(err)
	}
	if ms.Phase() != PhaseTransitionBuffer {
		t.Fatalf("expected TransitionBuffer after first voice frame, got %v", ms.Phase())
	}

	vad.queue(&VADEvent{Type: VADSpeechStart})
	if err := ms.Write(chunk); err != nil {
		t.Fatal(err)
	}
	if ms.Phase() != PhaseSpeaking {
		t.Fatalf("expected Speaking after confirmed voice frames, got %v", ms.Phase())
	}

	select {
	case <-stt.opened:
	case <-time.After(time.Second):
		t.Fatal("expected recognition session to open")
	}

	if err := stt.fire("hello world", true); err != nil {
		t.Fatal(err)
	}

	waitForEvent(t, ms, BotSpeaking, 2*time.Second)

	if ms.Phase() != PhaseListening {
		t.Fatalf("expected Listening once playback starts, got %v", ms.Phase())
	}

	_ = tts.Abort()
}

// TestManagedStream_BargeInCancelsReply exercises the barge-in path: a Voice
// frame observed in PhaseListening must cancel the in-flight ReplyTask and
// abort TTS, and move the phase machine back to TransitionBuffer.
func TestManagedStream_BargeInCancelsReply(t *testing.T) {
	vad := &scriptedVAD{}
	llm := &MockLLMProvider{completeResult: "a long reply that keeps talking"}
	tts := newBlockingTTS()

	cfg := DefaultConfig()
	cfg.MinVoiceFrames = 1
	cfg.MinWordsToInterrupt = 1

	ms, sess := newTestManagedStream(vad, &MockSTTProvider{}, llm, tts, cfg)
	defer ms.Close()

	sess.AddMessage("user", "irrelevant seed")
	ms.beginReply("trigger a reply")

	waitForEvent(t, ms, BotSpeaking, 2*time.Second)

	if ms.Phase() != PhaseListening {
		t.Fatalf("expected Listening, got %v", ms.Phase())
	}

	vad.queue(&VADEvent{Type: VADSpeechStart})
	if err := ms.Write(make([]byte, 320)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-tts.aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected barge-in to abort TTS")
	}

	if ms.Phase() != PhaseTransitionBuffer {
		t.Fatalf("expected TransitionBuffer after barge-in voice frame, got %v", ms.Phase())
	}
}

// TestManagedStream_MinWordsInterruption verifies a short backchannel below
// MinWordsToInterrupt does not trigger a barge-in, but a transcript that
// crosses the threshold does.
func TestManagedStream_MinWordsInterruption(t *testing.T) {
	vad := &scriptedVAD{}
	stt := newMockStreamingSTT()
	llm := &MockLLMProvider{completeResult: "a long reply"}
	tts := newBlockingTTS()

	cfg := DefaultConfig()
	cfg.MinWordsToInterrupt = 3
	cfg.MinVoiceFrames = 1

	ms, sess := newTestManagedStream(vad, stt, llm, tts, cfg)
	defer ms.Close()

	sess.AddMessage("user", "seed")
	ms.beginReply("trigger a reply")
	waitForEvent(t, ms, BotSpeaking, 2*time.Second)

	ms.mu.Lock()
	ms.recognition = NewRecognitionSession(stt, LanguageEn, nil, nil)
	ms.mu.Unlock()
	if err := ms.recognition.Open(ms.ctx, ms.onTranscript); err != nil {
		t.Fatal(err)
	}

	if err := stt.fire("uh", false); err != nil {
		t.Fatal(err)
	}

	select {
	case <-tts.aborted:
		t.Fatal("interrupted too early on a sub-threshold partial")
	case <-time.After(30 * time.Millisecond):
	}

	if err := stt.fire("i want coffee now", true); err != nil {
		t.Fatal(err)
	}

	select {
	case <-tts.aborted:
	case <-time.After(time.Second):
		t.Fatal("expected barge-in once transcript crosses MinWordsToInterrupt")
	}
}

// TestManagedStream_HandleInterruptCollapsesToInitial exercises the explicit
// Interrupt() control path: it must cancel the active reply, abort TTS, and
// force the phase machine back to Initial regardless of where it was.
func TestManagedStream_HandleInterruptCollapsesToInitial(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "a reply"}
	tts := newBlockingTTS()

	ms, sess := newTestManagedStream(&scriptedVAD{}, &MockSTTProvider{}, llm, tts, DefaultConfig())
	defer ms.Close()

	sess.AddMessage("user", "seed")
	ms.beginReply("trigger a reply")
	waitForEvent(t, ms, BotSpeaking, 2*time.Second)

	ms.Interrupt()

	waitForEvent(t, ms, Interrupted, time.Second)

	if ms.Phase() != PhaseInitial {
		t.Fatalf("expected Initial after explicit interrupt, got %v", ms.Phase())
	}
}
