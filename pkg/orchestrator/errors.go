package orchestrator

import "errors"

var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrLLMFailed = errors.New("language model generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrRecognitionSessionClosed is returned when audio is pushed to a
	// recognition session after it has been closed or superseded by a
	// reconnect.
	ErrRecognitionSessionClosed = errors.New("recognition session is closed")

	// ErrReplyCancelled is returned by a ReplyTask's result when the reply
	// was cancelled, typically by a barge-in, before it completed.
	ErrReplyCancelled = errors.New("reply generation cancelled")

	// ErrEventBusClosed is returned when publishing to a closed event bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrStaleControlEvent is returned when a control event's sequence
	// number has already been superseded.
	ErrStaleControlEvent = errors.New("control event superseded by a newer one")
)
