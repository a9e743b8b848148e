package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lumina-ai/lumina/pkg/orchestrator"
)

// SherpaConfig configures the local sherpa-onnx Whisper recognizer and its
// Silero VAD front-end.
type SherpaConfig struct {
	VADModel           string
	VADThreshold       float32
	VADSilenceDuration float32
	WhisperEncoder     string
	WhisperDecoder     string
	WhisperTokens      string
	SampleRate         int
	Language           string
	Provider           string // "cpu", "cuda", "coreml"
	NumThreads         int
}

const (
	sherpaVADMinSpeechDuration = 0.1
	sherpaVADMaxSpeechDuration = 30.0
	sherpaVADWindowSize        = 512
	sherpaVADBufferDuration    = 60.0
)

// SherpaSTT is a local, offline STT provider backed by sherpa-onnx's Whisper
// model and Silero VAD. Unlike the HTTP-based vendors in this package it
// never leaves the machine, so it has no network failure modes to retry.
type SherpaSTT struct {
	mu         sync.Mutex
	vad        *sherpaVAD
	recognizer *sherpaRecognizer
	sampleRate int
}

// NewSherpaSTT loads the VAD and Whisper models referenced by cfg. Model
// files are not bundled; cfg must point at paths already present on disk.
func NewSherpaSTT(cfg SherpaConfig) (*SherpaSTT, error) {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}

	vadConfig := &sherpaVADConfig{}
	vadConfig.SileroVad.Model = cfg.VADModel
	vadConfig.SileroVad.Threshold = cfg.VADThreshold
	vadConfig.SileroVad.MinSilenceDuration = cfg.VADSilenceDuration
	vadConfig.SileroVad.MinSpeechDuration = sherpaVADMinSpeechDuration
	vadConfig.SileroVad.MaxSpeechDuration = sherpaVADMaxSpeechDuration
	vadConfig.SileroVad.WindowSize = sherpaVADWindowSize
	vadConfig.SampleRate = sampleRate

	vad := newSherpaVAD(vadConfig, sherpaVADBufferDuration)
	if vad == nil {
		return nil, fmt.Errorf("sherpa: failed to create voice activity detector")
	}

	recognizerConfig := &sherpaRecognizerConfig{}
	recognizerConfig.ModelConfig.Whisper.Encoder = cfg.WhisperEncoder
	recognizerConfig.ModelConfig.Whisper.Decoder = cfg.WhisperDecoder
	lang := cfg.Language
	if strings.EqualFold(lang, "auto") {
		lang = ""
	}
	recognizerConfig.ModelConfig.Whisper.Language = lang
	recognizerConfig.ModelConfig.Whisper.Task = "transcribe"
	recognizerConfig.ModelConfig.Whisper.TailPaddings = -1
	recognizerConfig.ModelConfig.Tokens = cfg.WhisperTokens
	recognizerConfig.ModelConfig.NumThreads = cfg.NumThreads
	recognizerConfig.ModelConfig.Provider = cfg.Provider
	recognizerConfig.DecodingMethod = "greedy_search"

	recognizer := newSherpaRecognizer(recognizerConfig)
	if recognizer == nil {
		deleteSherpaVAD(vad)
		return nil, fmt.Errorf("sherpa: failed to create offline recognizer")
	}

	return &SherpaSTT{
		vad:        vad,
		recognizer: recognizer,
		sampleRate: sampleRate,
	}, nil
}

func pcm16ToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// decode runs a one-shot Whisper pass over samples. Caller holds s.mu.
func (s *SherpaSTT) decode(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	stream := newSherpaStream(s.recognizer)
	if stream == nil {
		return ""
	}
	defer deleteSherpaStream(stream)

	stream.AcceptWaveform(s.sampleRate, samples)
	s.recognizer.Decode(stream)
	return strings.TrimSpace(stream.GetResult().Text)
}

// Transcribe decodes a complete audio buffer in one pass, bypassing VAD
// segmentation since the caller has already delimited the utterance.
func (s *SherpaSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decode(pcm16ToFloat32(audio)), nil
}

// StreamTranscribe feeds incoming PCM16 chunks through the VAD and emits a
// final transcript each time the VAD completes a speech segment. Sherpa's
// offline Whisper recognizer has no notion of partial results, so every
// callback invocation reports isFinal=true.
func (s *SherpaSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	audioCh := make(chan []byte, 16)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-audioCh:
				if !ok {
					return
				}
				s.processChunk(chunk, onTranscript)
			}
		}
	}()

	return audioCh, nil
}

func (s *SherpaSTT) processChunk(chunk []byte, onTranscript func(transcript string, isFinal bool) error) {
	samples := pcm16ToFloat32(chunk)

	s.mu.Lock()
	s.vad.AcceptWaveform(samples)
	var segments [][]float32
	for !s.vad.IsEmpty() {
		segment := s.vad.Front()
		s.vad.Pop()
		if len(segment.Samples) == 0 {
			continue
		}
		samplesCopy := make([]float32, len(segment.Samples))
		copy(samplesCopy, segment.Samples)
		segments = append(segments, samplesCopy)
	}
	s.mu.Unlock()

	for _, segment := range segments {
		s.mu.Lock()
		text := s.decode(segment)
		s.mu.Unlock()
		if text == "" {
			continue
		}
		if err := onTranscript(text, true); err != nil {
			return
		}
	}
}

func (s *SherpaSTT) Name() string {
	return "sherpa-onnx"
}

// Close releases the native VAD and recognizer handles.
func (s *SherpaSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vad != nil {
		deleteSherpaVAD(s.vad)
		s.vad = nil
	}
	if s.recognizer != nil {
		deleteSherpaRecognizer(s.recognizer)
		s.recognizer = nil
	}
	return nil
}
