package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ManagedStream is the live per-session pipeline: it owns the turn-phase
// machine and wires the Frame Classifier, Recognition Session, Sentence
// Aggregator, Dialogue Orchestrator and Barge-in Coordinator together the way
// the teacher wired VAD/STT/LLM/TTS inline inside Write. Every decision about
// what the incoming audio means is delegated to one of those components;
// ManagedStream's job is routing their outputs to each other and to the
// event bus.
type ManagedStream struct {
	orch    *Orchestrator
	session *ConversationSession
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan OrchestratorEvent

	bus     *EventBus
	phase   *PhaseMachine
	preroll *PrerollBuffer
	metrics Metrics
	cfg     Config

	classifier  *FrameClassifier
	recognition *RecognitionSession
	sentences   *SentenceAggregator
	dialogue    *DialogueOrchestrator
	bargein     *BargeInCoordinator
	control     *ControlChannel

	mu         sync.Mutex
	activeTask *ReplyTask
	controlSeq uint64

	lastInterruptedAt time.Time
	lastAudioSentAt   time.Time
	userSpeechEndTime time.Time // when user stopped speaking (Speaking -> Waiting)
	botSpeakStartTime time.Time // when bot started TTS playback

	// Last captured user turn audio (raw PCM), kept for CLI export/debug.
	lastUserAudio []byte
	audioBuf      *bytes.Buffer

	// Per-turn instrumentation timestamps (set/cleared each user turn).
	sttStartTime      time.Time
	sttEndTime        time.Time
	llmStartTime      time.Time
	llmEndTime        time.Time
	ttsStartTime      time.Time
	ttsFirstChunkTime time.Time
	ttsEndTime        time.Time

	echoSuppressor *EchoSuppressor
	closeOnce      sync.Once
}

// NewManagedStream builds a stream around o's providers, wiring every C1-C9
// component against o's configuration and a fresh PhaseMachine in
// PhaseInitial.
func NewManagedStream(ctx context.Context, o *Orchestrator, session *ConversationSession) *ManagedStream {
	mCtx, mCancel := context.WithCancel(ctx)

	cfg := DefaultConfig()
	var metrics Metrics = NoOpMetrics{}
	var logger Logger = &NoOpLogger{}
	var tts TTSProvider
	var llm LLMProvider
	if o != nil {
		cfg = o.GetConfig()
		if o.metrics != nil {
			metrics = o.metrics
		}
		if o.logger != nil {
			logger = o.logger
		}
		tts = o.tts
		llm = o.llm
	}
	if cfg.PrerollFrames <= 0 {
		cfg.PrerollFrames = 10
	}
	if cfg.EventBusQueueDepth <= 0 {
		cfg.EventBusQueueDepth = 1024
	}
	if cfg.MinVoiceFrames <= 0 {
		cfg.MinVoiceFrames = 3
	}
	if cfg.TransitionBufferMS <= 0 {
		cfg.TransitionBufferMS = 500
	}
	if cfg.MaxSilenceMS <= 0 {
		cfg.MaxSilenceMS = 500
	}
	if cfg.SentenceMergeWindowMS <= 0 {
		cfg.SentenceMergeWindowMS = 200
	}
	if cfg.MinWordsToInterrupt <= 0 {
		cfg.MinWordsToInterrupt = 1
	}

	var classifier *FrameClassifier
	if o != nil && o.vad != nil {
		classifier = NewFrameClassifier(o.vad.Clone())
	}

	bus := NewEventBus(cfg.EventBusQueueDepth)

	ms := &ManagedStream{
		orch:           o,
		session:        session,
		ctx:            mCtx,
		cancel:         mCancel,
		events:         make(chan OrchestratorEvent, 1024),
		audioBuf:       new(bytes.Buffer),
		classifier:     classifier,
		echoSuppressor: NewEchoSuppressor(),
		bus:            bus,
		phase:          NewPhaseMachine(),
		preroll:        NewPrerollBuffer(cfg.PrerollFrames),
		sentences:      NewSentenceAggregator(time.Duration(cfg.SentenceMergeWindowMS) * time.Millisecond),
		dialogue:       NewDialogueOrchestrator(llm, tts, logger, metrics),
		bargein:        NewBargeInCoordinator(bus, tts, logger, metrics),
		control:        NewControlChannel(),
		metrics:        metrics,
		cfg:            cfg,
	}

	ms.control.OnEvent(ControlInterrupt, func(string) error {
		ms.handleInterrupt()
		return nil
	})
	ms.control.OnEvent(ControlResetSession, func(string) error {
		ms.handleInterrupt()
		ms.session.ClearContext()
		return nil
	})
	ms.control.OnEvent(ControlSetVoice, func(payload string) error {
		ms.session.SetVoice(Voice(payload))
		return nil
	})
	ms.control.OnEvent(ControlSetLanguage, func(payload string) error {
		ms.session.SetLanguage(Language(payload))
		return nil
	})
	ms.control.OnEvent(ControlSetSystemText, func(payload string) error {
		ms.session.AddMessage("system", payload)
		return nil
	})

	return ms
}

// Bus returns the stream's event bus, for subscribers that want bounded,
// per-subscriber queues instead of reading Events() directly.
func (ms *ManagedStream) Bus() *EventBus {
	return ms.bus
}

// Phase returns the current turn-taking phase.
func (ms *ManagedStream) Phase() TurnPhase {
	if ms.phase == nil {
		return PhaseInitial
	}
	return ms.phase.Current()
}

func (ms *ManagedStream) recordLatency(stage string, d time.Duration) {
	if ms.metrics != nil {
		ms.metrics.RecordLatency(stage, d)
	}
}

// LastRMS returns the last RMS value computed by the stream's Frame
// Classifier (returns 0.0 when unavailable).
func (ms *ManagedStream) LastRMS() float64 {
	if ms.classifier == nil {
		return 0.0
	}
	return ms.classifier.LastRMS()
}

// IsUserSpeaking reports the Frame Classifier's current speaking state.
func (ms *ManagedStream) IsUserSpeaking() bool {
	if ms.classifier == nil {
		return false
	}
	return ms.classifier.IsSpeaking()
}

// Interrupt applies an explicit INTERRUPT control event. Exposed for UI
// buttons or external signals that need to stop playback regardless of VAD
// state, routed through the same ControlChannel as every other command so
// it's subject to the same idempotent sequencing.
func (ms *ManagedStream) Interrupt() {
	ms.mu.Lock()
	ms.controlSeq++
	seq := ms.controlSeq
	ms.mu.Unlock()
	_ = ms.control.Apply(ControlEvent{Type: ControlInterrupt, Sequence: seq})
}

// ApplyControl routes an external control command (set voice, reset
// session, explicit interrupt, ...) through the stream's ControlChannel.
func (ms *ManagedStream) ApplyControl(ev ControlEvent) error {
	return ms.control.Apply(ev)
}

// countWords returns the number of whitespace-separated words in s.
func countWords(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

// echoLeadBytes is how much recently-captured mic audio is kept as
// correlation context ahead of each chunk passed to the echo suppressor
// (~100ms at 44.1kHz/16-bit mono).
const echoLeadBytes = 8820

// audioBufCap and audioBufTrim bound the rolling pre-speech buffer the
// echo suppressor's lead context is drawn from (~2s cap, trimmed back to
// ~1.5s), matching the window the teacher tuned for full utterance capture.
const (
	audioBufCap  = 176400
	audioBufTrim = 132300
)

// Write feeds one audio chunk from the user's microphone through the
// pipeline: echo suppression, frame classification, and then whatever the
// current TurnPhase says that classification means.
func (ms *ManagedStream) Write(chunk []byte) error {
	if ms.classifier == nil {
		return fmt.Errorf("VAD not configured for this stream")
	}

	ms.preroll.Push(chunk)

	ms.mu.Lock()
	listening := ms.phase.Current() == PhaseListening
	lastSent := ms.lastAudioSentAt
	ms.mu.Unlock()

	// Temporarily tighten the VAD when recent audio was played: catches
	// leftover echo without blocking a genuine barge-in, which gets a
	// slightly higher min-confirmed-frames bar instead of a raised
	// threshold so it stays interruptible.
	if rmsVAD, ok := ms.classifier.Provider().(*RMSVAD); ok {
		originalThreshold := rmsVAD.Threshold()
		originalMinConfirmed := rmsVAD.MinConfirmed()

		if listening {
			if originalMinConfirmed < 3 {
				rmsVAD.SetMinConfirmed(3)
			}
		} else if time.Since(lastSent) < 250*time.Millisecond {
			rmsVAD.SetAdaptiveMode(false)
			rmsVAD.SetThreshold(0.25)
		}

		defer func() {
			rmsVAD.SetThreshold(originalThreshold)
			rmsVAD.SetMinConfirmed(originalMinConfirmed)
			rmsVAD.SetAdaptiveMode(true)
		}()
	}

	cleaned := ms.echoSuppressor.RemoveEchoRealtime(chunk)

	ms.mu.Lock()
	lead := ms.audioBuf.Bytes()
	if len(lead) > echoLeadBytes {
		lead = lead[len(lead)-echoLeadBytes:]
	}
	checkBuf := make([]byte, 0, len(lead)+len(cleaned))
	checkBuf = append(checkBuf, lead...)
	checkBuf = append(checkBuf, cleaned...)
	ms.mu.Unlock()

	isEcho := ms.echoSuppressor.IsEcho(checkBuf)

	ms.mu.Lock()
	if !isEcho {
		ms.audioBuf.Write(cleaned)
		if ms.audioBuf.Len() > audioBufCap {
			data := ms.audioBuf.Bytes()
			leadIn := data[len(data)-audioBufTrim:]
			ms.audioBuf.Reset()
			ms.audioBuf.Write(leadIn)
		}
	}
	ms.mu.Unlock()

	if isEcho {
		return nil
	}

	classification, _, err := ms.classifier.Classify(cleaned)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	current := ms.phase.Current()
	ms.mu.Unlock()

	switch current {
	case PhaseInitial:
		if classification.Voiced {
			ms.emit(UserSpeaking, nil)
			ms.resetTurn()
			ms.openRecognition()
			ms.phase.Transition(PhaseTransitionBuffer)
			ms.flushPreroll()
		}

	case PhaseTransitionBuffer:
		ms.mu.Lock()
		ms.lastUserAudio = append(ms.lastUserAudio, cleaned...)
		ms.mu.Unlock()
		if ms.recognition != nil {
			_ = ms.recognition.Push(cleaned)
		}
		if classification.Voiced && ms.phase.ObserveVoiceFrame(ms.cfg.MinVoiceFrames) {
			ms.phase.Transition(PhaseSpeaking)
		}
		if ms.phase.BufferExpired(time.Duration(ms.cfg.TransitionBufferMS) * time.Millisecond) {
			if ms.recognition != nil {
				ms.recognition.Close()
			}
			ms.sentences.ClearSentenceBuffer()
			ms.phase.Transition(PhaseInitial)
		}

	case PhaseSpeaking:
		ms.mu.Lock()
		ms.lastUserAudio = append(ms.lastUserAudio, cleaned...)
		turnAudio := make([]byte, len(ms.lastUserAudio))
		copy(turnAudio, ms.lastUserAudio)
		ms.mu.Unlock()
		if ms.recognition != nil {
			_ = ms.recognition.Push(cleaned)
		}
		if !classification.Voiced && ms.classifier.SilenceDuration() >= time.Duration(ms.cfg.MaxSilenceMS)*time.Millisecond {
			ms.mu.Lock()
			ms.userSpeechEndTime = time.Now()
			ms.mu.Unlock()
			ms.emit(UserStopped, nil)
			ms.phase.Transition(PhaseWaiting)
			if ms.recognition != nil {
				ms.recognition.Drain()
			} else if ms.orch != nil {
				go ms.runBatchTranscription(turnAudio)
			}
		}

	case PhaseWaiting:
		if classification.Voiced {
			ms.emit(UserSpeaking, nil)
			ms.phase.Transition(PhaseTransitionBuffer)
			ms.flushPreroll()
		}

	case PhaseListening:
		if classification.Voiced {
			ms.emit(UserSpeaking, nil)
			if ms.cfg.MinWordsToInterrupt <= 1 {
				ms.bargein.HandleUserSpeaking(PhaseListening)
			}
			ms.resetTurn()
			ms.openRecognition()
			ms.phase.Transition(PhaseTransitionBuffer)
			ms.flushPreroll()
		}
	}

	return nil
}

// flushPreroll drains the pre-roll ring (which, by the time any phase
// transition is decided, already holds the current chunk as its newest
// frame) into the active recognition session.
func (ms *ManagedStream) flushPreroll() {
	if ms.recognition == nil {
		return
	}
	for _, f := range ms.preroll.Drain() {
		_ = ms.recognition.Push(f)
	}
}

func (ms *ManagedStream) resetTurn() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sttStartTime = time.Time{}
	ms.sttEndTime = time.Time{}
	ms.llmStartTime = time.Time{}
	ms.llmEndTime = time.Time{}
	ms.ttsStartTime = time.Time{}
	ms.ttsFirstChunkTime = time.Time{}
	ms.ttsEndTime = time.Time{}
	ms.lastUserAudio = nil
}

// openRecognition lazily builds and opens a RecognitionSession against the
// configured STT provider, when it supports streaming. A provider that only
// implements batch STTProvider never gets a recognition session: its turn
// is instead handled as a whole when PhaseSpeaking times out to PhaseWaiting
// (see runBatchTranscription).
func (ms *ManagedStream) openRecognition() {
	if ms.orch == nil {
		return
	}
	sp, ok := ms.orch.stt.(StreamingSTTProvider)
	if !ok {
		return
	}
	if ms.recognition == nil {
		ms.recognition = NewRecognitionSession(sp, ms.session.GetCurrentLanguage(), ms.orch.logger, ms.metrics)
	}
	ms.mu.Lock()
	ms.sttStartTime = time.Now()
	ms.mu.Unlock()
	if err := ms.recognition.Open(ms.ctx, ms.onTranscript); err != nil {
		ms.emit(ErrorEvent, fmt.Sprintf("failed to open recognition session: %v", err))
	}
}

// onTranscript is the Recognition Session's callback: it feeds the Sentence
// Aggregator and dispatches any sentence that settles to a reply. seq lets a
// callback from a session superseded by a later reconnect be dropped.
func (ms *ManagedStream) onTranscript(seq uint64, transcript string, isFinal bool) error {
	if ms.recognition == nil || seq != ms.recognition.Sequence() {
		return nil
	}

	ms.mu.Lock()
	speaking := ms.phase.Current() == PhaseListening || ms.activeTask != nil
	ms.mu.Unlock()

	if speaking && ms.cfg.MinWordsToInterrupt > 1 {
		if countWords(transcript) < ms.cfg.MinWordsToInterrupt {
			if !isFinal {
				ms.emit(TranscriptPartial, transcript)
			}
			return nil
		}
		ms.bargein.Trigger()
	}

	if isFinal {
		ms.mu.Lock()
		ms.sttEndTime = time.Now()
		started := ms.sttStartTime
		ms.mu.Unlock()
		if !started.IsZero() {
			ms.recordLatency("stt", time.Since(started))
		}
		ms.emit(TranscriptFinal, transcript)
	} else {
		ms.emit(TranscriptPartial, transcript)
	}

	ms.sentences.Accept(transcript, isFinal)
	for _, sentence := range ms.sentences.PollCompleteSentences() {
		ms.session.AddMessage("user", sentence)
		ms.beginReply(sentence)
	}
	return nil
}

// runBatchTranscription is the fallback path for a non-streaming STT
// provider: called once PhaseSpeaking has timed out to PhaseWaiting, it
// transcribes the turn's accumulated audio in one shot and dispatches the
// result exactly like a settled sentence from the streaming path.
func (ms *ManagedStream) runBatchTranscription(audioData []byte) {
	ms.emit(BotThinking, nil)

	ctx, cancel := context.WithCancel(ms.ctx)
	defer cancel()

	ms.mu.Lock()
	ms.sttStartTime = time.Now()
	ms.mu.Unlock()

	transcript, err := ms.orch.Transcribe(ctx, audioData, ms.session.GetCurrentLanguage())

	ms.mu.Lock()
	if err == nil {
		ms.sttEndTime = time.Now()
		started := ms.sttStartTime
		ms.mu.Unlock()
		ms.recordLatency("stt", time.Since(started))
	} else {
		ms.mu.Unlock()
	}

	if err != nil {
		if ctx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("transcription error: %v", err))
		}
		ms.phase.Transition(PhaseInitial)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		ms.phase.Transition(PhaseInitial)
		return
	}

	ms.emit(TranscriptFinal, transcript)
	ms.session.AddMessage("user", transcript)
	ms.beginReply(transcript)
}

// beginReply starts a ReplyTask for transcript: the Dialogue Orchestrator
// runs LLM generation and TTS synthesis concurrently, streaming audio back
// through onAudio, while the Barge-in Coordinator holds the task so a Voice
// frame observed during playback can cancel it.
func (ms *ManagedStream) beginReply(transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}

	ms.emit(BotThinking, nil)

	task := NewReplyTask(ms.ctx)
	ms.mu.Lock()
	ms.activeTask = task
	ms.llmStartTime = time.Now()
	ms.mu.Unlock()
	ms.bargein.SetActiveTask(task)

	messages := ms.session.GetContextCopy()
	voice := ms.session.GetCurrentVoice()
	lang := ms.session.GetCurrentLanguage()

	go ms.runReply(task, messages, voice, lang)
}

func (ms *ManagedStream) runReply(task *ReplyTask, messages []Message, voice Voice, lang Language) {
	firstChunk := true

	reply, err := ms.dialogue.Run(task, messages, voice, lang, func(audio []byte) error {
		if firstChunk {
			firstChunk = false
			ms.mu.Lock()
			ms.llmEndTime = time.Now()
			ms.botSpeakStartTime = time.Now()
			ms.ttsStartTime = ms.botSpeakStartTime
			ms.mu.Unlock()
			ms.recordLatency("llm", ms.llmEndTime.Sub(ms.llmStartTime))
			// Agent begins playback: PlaybackStarted per the turn-phase
			// spec, entering PhaseListening from wherever recognition left
			// the machine (Initial or TransitionBuffer).
			ms.phase.ForceTransition(PhaseListening)
			ms.emit(BotSpeaking, nil)
		}

		ms.mu.Lock()
		ms.lastAudioSentAt = time.Now()
		if ms.ttsFirstChunkTime.IsZero() {
			ms.ttsFirstChunkTime = time.Now()
		}
		ms.mu.Unlock()

		ms.echoSuppressor.RecordPlayedAudio(audio)
		ms.emit(AudioChunk, audio)
		return nil
	})

	ms.mu.Lock()
	ms.activeTask = nil
	if !ms.ttsStartTime.IsZero() {
		ms.ttsEndTime = time.Now()
		ms.recordLatency("tts", ms.ttsEndTime.Sub(ms.ttsStartTime))
	}
	ms.mu.Unlock()
	ms.bargein.SetActiveTask(nil)

	if err != nil && err != ErrReplyCancelled {
		ms.emit(ErrorEvent, fmt.Sprintf("dialogue error: %v", err))
	}
	if err == nil && strings.TrimSpace(reply) != "" {
		ms.session.AddMessage("assistant", reply)
		ms.emit(BotResponse, reply)
	}

	if ms.recognition != nil {
		ms.recognition.Close()
	}
	if ms.classifier != nil {
		ms.classifier.Reset()
	}
	// PlaybackEnded: whether the reply finished, errored, or was
	// cancelled mid-stream, the turn is over either way.
	ms.phase.ForceTransition(PhaseInitial)
}

// handleInterrupt cancels the active reply task (if any), force-aborts TTS,
// clears transient buffers, and collapses the phase machine back to
// Initial. Bound to ControlInterrupt and as the first step of
// ControlResetSession.
func (ms *ManagedStream) handleInterrupt() {
	ms.mu.Lock()
	task := ms.activeTask
	hadWork := task != nil || ms.phase.Current() != PhaseInitial
	ms.activeTask = nil
	ms.mu.Unlock()

	if !hadWork {
		return
	}

	if task != nil {
		task.Cancel()
	}
	ms.bargein.SetActiveTask(nil)

	if ms.orch != nil && ms.orch.tts != nil {
		if err := ms.orch.tts.Abort(); err != nil {
			ms.orch.logger.Warn("tts abort failed", "sessionID", ms.session.ID, "error", err)
		}
	}
	if ms.recognition != nil {
		ms.recognition.Close()
	}
	if ms.sentences != nil {
		ms.sentences.ClearSentenceBuffer()
	}
	if ms.echoSuppressor != nil {
		ms.echoSuppressor.ClearEchoBuffer()
	}
	if ms.classifier != nil {
		ms.classifier.Reset()
	}
	ms.phase.ForceTransition(PhaseInitial)

	if ms.metrics != nil {
		ms.metrics.ObserveInterruption()
	}
	ms.mu.Lock()
	ms.lastInterruptedAt = time.Now()
	ms.mu.Unlock()
	ms.drainAudioChunks()
	ms.emit(Interrupted, nil)
}

// NotifyAudioPlayed records that audio was just handed to the playback
// device, for the echo guard's "recently played" window.
func (ms *ManagedStream) NotifyAudioPlayed() {
	ms.mu.Lock()
	ms.lastAudioSentAt = time.Now()
	ms.mu.Unlock()
}

// RecordPlayedOutput should be called by the audio playback thread with the
// actual samples being sent to the speaker. This ensures the echo
// suppressor's reference buffer matches what the microphone may pick up.
func (ms *ManagedStream) RecordPlayedOutput(chunk []byte) {
	if ms.echoSuppressor == nil || len(chunk) == 0 {
		return
	}
	ms.echoSuppressor.RecordPlayedAudio(chunk)
}

// GetLatency returns the time in milliseconds from when user stopped
// speaking to when bot started playing audio (0 if not applicable).
func (ms *ManagedStream) GetLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.userSpeechEndTime.IsZero() || ms.botSpeakStartTime.IsZero() {
		return 0
	}
	if ms.botSpeakStartTime.Before(ms.userSpeechEndTime) {
		return 0
	}
	return ms.botSpeakStartTime.Sub(ms.userSpeechEndTime).Milliseconds()
}

// LatencyBreakdown holds per-stage timings (all values in milliseconds).
type LatencyBreakdown struct {
	UserToSTT          int64 // user stop -> STT final
	STT                int64 // STT duration (start->end)
	UserToLLM          int64 // user stop -> LLM end
	LLM                int64 // LLM duration (start->end)
	UserToTTSFirstByte int64 // user stop -> first TTS chunk
	LLMToTTSFirstByte  int64 // LLM end -> first TTS chunk
	TTSTotal           int64 // TTS total duration (ttsStart->ttsEnd)
	BotStartLatency    int64 // user stop -> botSpeakStart
	UserToPlay         int64 // user stop -> actual audio played (lastAudioSentAt)
}

// GetEndToEndLatency returns the time in milliseconds from when the user
// stopped speaking to lastAudioSentAt, the most recent time reply audio was
// emitted or reported played (0 if not available). lastAudioSentAt is
// updated on every chunk, so after a multi-chunk reply this measures up to
// the latest chunk, not the first.
func (ms *ManagedStream) GetEndToEndLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.userSpeechEndTime.IsZero() || ms.lastAudioSentAt.IsZero() {
		return 0
	}
	if ms.lastAudioSentAt.Before(ms.userSpeechEndTime) {
		return 0
	}
	return ms.lastAudioSentAt.Sub(ms.userSpeechEndTime).Milliseconds()
}

// GetLatencyBreakdown returns measured timings for the STT, LLM and TTS
// stages of the most recent turn.
func (ms *ManagedStream) GetLatencyBreakdown() LatencyBreakdown {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var bd LatencyBreakdown
	if ms.userSpeechEndTime.IsZero() {
		return bd
	}

	if !ms.sttEndTime.IsZero() {
		bd.UserToSTT = ms.sttEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.sttStartTime.IsZero() && !ms.sttEndTime.IsZero() {
		bd.STT = ms.sttEndTime.Sub(ms.sttStartTime).Milliseconds()
	}

	if !ms.llmEndTime.IsZero() {
		bd.UserToLLM = ms.llmEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmStartTime.IsZero() && !ms.llmEndTime.IsZero() {
		bd.LLM = ms.llmEndTime.Sub(ms.llmStartTime).Milliseconds()
	}

	if !ms.ttsFirstChunkTime.IsZero() {
		bd.UserToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmEndTime.IsZero() && !ms.ttsFirstChunkTime.IsZero() {
		bd.LLMToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.llmEndTime).Milliseconds()
	}

	if !ms.ttsStartTime.IsZero() && !ms.ttsEndTime.IsZero() {
		bd.TTSTotal = ms.ttsEndTime.Sub(ms.ttsStartTime).Milliseconds()
	}

	if !ms.botSpeakStartTime.IsZero() {
		bd.BotStartLatency = ms.botSpeakStartTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.lastAudioSentAt.IsZero() {
		bd.UserToPlay = ms.lastAudioSentAt.Sub(ms.userSpeechEndTime).Milliseconds()
	}

	return bd
}

// ExportLastUserAudio returns a copy of the last captured user-turn audio
// (raw) and a post-processed version (echo-suppressed) suitable for
// debugging. Both slices are raw 16-bit little-endian PCM.
func (ms *ManagedStream) ExportLastUserAudio() (raw []byte, processed []byte) {
	ms.mu.Lock()
	if len(ms.lastUserAudio) == 0 {
		ms.mu.Unlock()
		return nil, nil
	}
	rawCopy := make([]byte, len(ms.lastUserAudio))
	copy(rawCopy, ms.lastUserAudio)
	ms.mu.Unlock()

	if ms.echoSuppressor != nil {
		processed = ms.echoSuppressor.PostProcess(rawCopy)
	} else {
		processed = rawCopy
	}
	return rawCopy, processed
}

func (ms *ManagedStream) Events() <-chan OrchestratorEvent {
	return ms.events
}

func (ms *ManagedStream) Close() {
	ms.closeOnce.Do(func() {
		ms.handleInterrupt()

		ms.mu.Lock()
		ms.audioBuf.Reset()
		ms.mu.Unlock()

		ms.echoSuppressor.ClearEchoBuffer()
		ms.cancel()

		// Give goroutines a moment to exit cleanly.
		time.Sleep(10 * time.Millisecond)

		if ms.bus != nil {
			ms.bus.Close()
		}
		close(ms.events)
	})
}

func (ms *ManagedStream) emit(eventType EventType, data interface{}) {
	select {
	case <-ms.ctx.Done():
		return
	default:
	}

	if eventType == AudioChunk && (ms.phase == nil || ms.phase.Current() != PhaseListening) {
		// Audio reaching the transport only makes sense while the phase
		// machine agrees the agent is playing; a reply cancelled mid-stream
		// moves the phase off Listening before its remaining chunks drain.
		return
	}

	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: ms.session.ID,
		Data:      data,
	}

	if ms.bus != nil {
		_ = ms.bus.Publish(event)
	}

	defer func() {
		if r := recover(); r != nil {
			// Channel closed, stream shutting down - safe to ignore.
		}
	}()

	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
	default:
	}
}

func (ms *ManagedStream) drainAudioChunks() {
	deadline := time.Now().Add(100 * time.Millisecond)
	var controlEvents []OrchestratorEvent

	for {
		select {
		case ev := <-ms.events:
			if ev.Type != AudioChunk {
				controlEvents = append(controlEvents, ev)
			}
		default:
			goto DrainDone
		}

		if time.Now().After(deadline) {
			goto DrainDone
		}
	}

DrainDone:
	for _, ev := range controlEvents {
		select {
		case ms.events <- ev:
		default:
		}
	}
}
