package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// STTProvider performs single-shot (batch) transcription of a full audio
// buffer. Every vendor adapter implements at least this.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
}

// StreamingSTTProvider is satisfied by vendors that can ingest audio
// incrementally and emit partial/final transcripts as they arrive. The
// Recognition Session Manager (recognition.go) prefers this over
// STTProvider whenever the configured vendor implements it.
type StreamingSTTProvider interface {
	STTProvider
	StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error)
}

// LLMProvider performs single-shot completion.
type LLMProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// StreamingLLMProvider is satisfied by vendors that can stream generation as
// a sequence of text chunks, letting TTS begin before the full reply has
// finished generating. The Dialogue Orchestrator (dialogue.go) prefers this.
type StreamingLLMProvider interface {
	LLMProvider
	StreamComplete(ctx context.Context, messages []Message, onChunk func(chunk string) error) error
}

// TTSProvider synthesizes speech and must support cooperative abort: the
// Barge-in Coordinator (bargein.go) calls Abort to force an in-flight
// synthesis to stop at the provider boundary, the last enforceable choke
// point before audio would otherwise reach the transport.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error
	Abort() error
	Name() string
}

// VADProvider classifies one audio chunk as voice, silence, or a transition
// between the two. Implementations are expected to be cheap (called on
// every inbound frame) and to carry their own hysteresis.
type VADProvider interface {
	Process(chunk []byte) (*VADEvent, error)
	Reset()
	Clone() VADProvider
	Name() string
}

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp int64
}

// EventType enumerates every event that can travel across the event bus
// between components and out to external observers.
type EventType string

const (
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	TranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	BotThinking       EventType = "BOT_THINKING"
	BotResponse       EventType = "BOT_RESPONSE"
	BotSpeaking       EventType = "BOT_SPEAKING"
	Interrupted       EventType = "INTERRUPTED"
	InterruptAck      EventType = "INTERRUPT_ACKNOWLEDGED"
	AudioChunk        EventType = "AUDIO_CHUNK"
	PhaseChanged      EventType = "PHASE_CHANGED"
	ErrorEvent        EventType = "ERROR"
	SubscriberLagged  EventType = "SUBSCRIBER_LAGGED"
)

type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	SampleRate         int
	Channels           int
	BytesPerSamp       int
	MaxContextMessages int
	VoiceStyle         Voice
	Language           Language
	STTTimeout         uint
	LLMTimeout         uint
	TTSTimeout         uint

	// TransitionBufferMS bounds how long the turn-phase machine stays in
	// TransitionBuffer (entered on a voiced frame) waiting for
	// MinVoiceFrames before reverting to Initial (resolves spec Open
	// Question 1).
	TransitionBufferMS int
	// MinVoiceFrames is the number of voiced frames, counted since entering
	// TransitionBuffer, that confirms it as a real user turn (-> Speaking).
	// Recognizer partials are not consulted.
	MinVoiceFrames int
	// MaxSilenceMS bounds how long contiguous silence may run during
	// Speaking before the turn is considered over (-> Waiting).
	MaxSilenceMS int
	// SentenceMergeWindowMS bounds how long the sentence aggregator waits
	// for a trailing partial to be superseded by a final transcript
	// before treating the partial as settled (resolves Open Question 2).
	SentenceMergeWindowMS int
	// PrerollFrames is the number of frames retained in the ring buffer
	// before speech onset, handed to recognition once a session opens.
	PrerollFrames int
	// EventBusQueueDepth bounds the per-subscriber queue on the event bus.
	EventBusQueueDepth int
	// MinWordsToInterrupt is the minimum word count a user transcript must
	// reach, while the assistant is speaking, before it's treated as a
	// genuine barge-in rather than a backchannel ("uh", "yeah") the
	// assistant should talk over.
	MinWordsToInterrupt int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:            44100,
		Channels:              1,
		BytesPerSamp:          2,
		MaxContextMessages:    20,
		VoiceStyle:            VoiceF1,
		Language:              LanguageEn,
		STTTimeout:            30,
		LLMTimeout:            60,
		TTSTimeout:            30,
		TransitionBufferMS:    500,
		MinVoiceFrames:        3,
		MaxSilenceMS:          500,
		SentenceMergeWindowMS: 200,
		PrerollFrames:         10,
		EventBusQueueDepth:    1024,
		MinWordsToInterrupt:   1,
	}
}

// newID generates a unique identifier for conversation sessions and reply
// tasks. Concurrent session creation under load can collide on a
// nanosecond timestamp, so this uses a real UUID.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

type ConversationSession struct {
	mu              sync.RWMutex
	ID              string
	Context         []Message
	LastUser        string
	LastAssistant   string
	MaxMessages     int
	CurrentVoice    Voice
	CurrentLanguage Language
}

func NewConversationSession(userID string) *ConversationSession {
	return &ConversationSession{
		ID:              userID,
		Context:         []Message{},
		MaxMessages:     20,
		CurrentVoice:    VoiceF1,
		CurrentLanguage: LanguageEn,
	}
}

func (s *ConversationSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = append(s.Context, Message{Role: role, Content: content})
	if len(s.Context) > s.MaxMessages {
		s.Context = s.Context[len(s.Context)-s.MaxMessages:]
	}
	if role == "user" {
		s.LastUser = content
	} else if role == "assistant" {
		s.LastAssistant = content
	}
}

func (s *ConversationSession) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = []Message{}
	s.LastUser = ""
	s.LastAssistant = ""
}

func (s *ConversationSession) GetContextCopy() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contextCopy := make([]Message, len(s.Context))
	copy(contextCopy, s.Context)
	return contextCopy
}

func (s *ConversationSession) GetCurrentVoice() Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentVoice
}

func (s *ConversationSession) GetCurrentLanguage() Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentLanguage
}

func (s *ConversationSession) SetVoice(v Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentVoice = v
}

func (s *ConversationSession) SetLanguage(l Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentLanguage = l
}
