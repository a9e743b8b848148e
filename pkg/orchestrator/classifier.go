package orchestrator

import "time"

// FrameClassification is the per-chunk verdict the Frame Classifier hands
// to the phase machine and the pre-roll buffer.
type FrameClassification struct {
	Voiced    bool
	RMS       float64
	Timestamp time.Time
}

// FrameClassifier wraps a VADProvider and adds the bookkeeping the teacher
// used to inline directly in ManagedStream.Write: tracking how long silence
// has run, and surfacing a stable Voiced/not verdict per chunk rather than
// the VADProvider's edge-triggered event stream.
type FrameClassifier struct {
	vad          VADProvider
	silenceStart time.Time
	voiced       bool
}

// NewFrameClassifier wraps vad. Ownership of vad passes to the classifier;
// callers that need their own copy should pass vad.Clone() in first.
func NewFrameClassifier(vad VADProvider) *FrameClassifier {
	return &FrameClassifier{vad: vad}
}

// Classify feeds chunk through the underlying VAD and returns the frame's
// classification along with any VADEvent the provider fired for it.
func (c *FrameClassifier) Classify(chunk []byte) (FrameClassification, *VADEvent, error) {
	ev, err := c.vad.Process(chunk)
	if err != nil {
		return FrameClassification{}, nil, err
	}

	now := time.Now()
	if ev != nil {
		switch ev.Type {
		case VADSpeechStart:
			c.voiced = true
			c.silenceStart = time.Time{}
		case VADSpeechEnd:
			c.voiced = false
			c.silenceStart = now
		case VADSilence:
			if c.silenceStart.IsZero() {
				c.silenceStart = now
			}
		}
	}

	return FrameClassification{
		Voiced:    c.voiced,
		RMS:       c.lastRMS(),
		Timestamp: now,
	}, ev, nil
}

// Provider exposes the underlying VADProvider, for callers that need to
// retune it directly (the echo guard in ManagedStream.Write).
func (c *FrameClassifier) Provider() VADProvider {
	return c.vad
}

func (c *FrameClassifier) lastRMS() float64 {
	if rv, ok := c.vad.(*RMSVAD); ok {
		return rv.LastRMS()
	}
	return 0
}

// LastRMS exposes the most recent RMS reading computed by the underlying
// VADProvider, when it's an *RMSVAD (0 otherwise).
func (c *FrameClassifier) LastRMS() float64 {
	return c.lastRMS()
}

// IsSpeaking reports whether the classifier currently considers the stream
// to be inside a voiced segment.
func (c *FrameClassifier) IsSpeaking() bool {
	return c.voiced
}

// SilenceDuration reports how long the classifier has continuously seen
// non-voiced frames. Zero while voiced.
func (c *FrameClassifier) SilenceDuration() time.Duration {
	if c.voiced || c.silenceStart.IsZero() {
		return 0
	}
	return time.Since(c.silenceStart)
}

// Reset clears classifier and underlying VAD state, used when a turn ends
// and a fresh one begins.
func (c *FrameClassifier) Reset() {
	c.vad.Reset()
	c.voiced = false
	c.silenceStart = time.Time{}
}
