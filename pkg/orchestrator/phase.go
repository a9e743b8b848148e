package orchestrator

import "time"

// TurnPhase is the explicit state of the turn-taking machine. The teacher
// tracked this implicitly through isSpeaking/isThinking booleans scattered
// across ManagedStream.Write; here it's a single enum with a defined
// transition table so every caller can reason about which moves are legal.
type TurnPhase string

const (
	// PhaseInitial is the state before any recognition session exists: no
	// audio has been classified as voice since the last turn ended.
	PhaseInitial TurnPhase = "INITIAL"
	// PhaseListening is the state while the agent is playing synthesized
	// audio back to the user. A Voice frame observed here is a barge-in.
	PhaseListening TurnPhase = "LISTENING"
	// PhaseTransitionBuffer is a probationary state entered on the first
	// Voice frame (or on a barge-in, or on a possible continuation out of
	// Waiting): it forwards audio to the recognizer but isn't confirmed as
	// a real user turn until min_voice_frames_to_speak voiced frames have
	// arrived since entering it (-> Speaking), or the buffer times out
	// before that (-> Initial, spurious audio). Only the voiced-frame count
	// decides confirmation; recognizer partials play no part in it.
	PhaseTransitionBuffer TurnPhase = "TRANSITION_BUFFER"
	// PhaseSpeaking is the state while the user is actively speaking: every
	// Voice frame resets the silence counter that would otherwise end the
	// turn.
	PhaseSpeaking TurnPhase = "SPEAKING"
	// PhaseWaiting is entered once contiguous silence suggests the user's
	// utterance ended; the recognition session stays open for late finals,
	// and a further Voice frame is treated as a possible continuation
	// rather than a new turn.
	PhaseWaiting TurnPhase = "WAITING"
)

// legalTransitions enumerates the transition table. A transition not listed
// here is rejected by PhaseMachine.Transition. Every phase but Initial also
// has a direct path back to Initial (end of playback, spurious-audio
// timeout, end-session/reset); ForceTransition additionally lets a control
// event collapse the machine to Initial from anywhere.
var legalTransitions = map[TurnPhase]map[TurnPhase]bool{
	PhaseInitial: {
		PhaseTransitionBuffer: true, // first Voice frame: open a recognition session
		PhaseListening:        true, // agent starts playback with no prior user turn
	},
	PhaseTransitionBuffer: {
		PhaseSpeaking:  true, // confirmed: min voice frames observed
		PhaseInitial:   true, // buffer timed out before enough voice frames: spurious audio
		PhaseListening: true, // agent started playback mid-buffer
	},
	PhaseSpeaking: {
		PhaseWaiting:   true, // contiguous silence crossed the end-of-turn threshold
		PhaseInitial:   true, // end-session / reset
		PhaseListening: true, // agent started playback (e.g. after an explicit interrupt)
	},
	PhaseWaiting: {
		PhaseTransitionBuffer: true, // Voice frame: possible continuation of the same turn
		PhaseListening:        true, // agent starts playback
		PhaseInitial:          true, // end-session / reset, or recognizer gave up
	},
	PhaseListening: {
		PhaseTransitionBuffer: true, // Voice frame: barge-in
		PhaseInitial:          true, // playback ended
	},
}

// PhaseMachine owns the current TurnPhase for one ManagedStream and
// enforces the transition table. It is not safe for concurrent use by
// itself; ManagedStream serializes access through its own lock.
type PhaseMachine struct {
	current          TurnPhase
	transitionedAt   time.Time
	bufferEnteredAt  time.Time
	voiceFramesInRow int
}

// NewPhaseMachine starts a machine in PhaseInitial.
func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{current: PhaseInitial, transitionedAt: time.Now()}
}

// Current returns the active phase.
func (m *PhaseMachine) Current() TurnPhase {
	return m.current
}

// Transition attempts to move to next, returning false if the move isn't in
// the legal transition table (a no-op in that case).
func (m *PhaseMachine) Transition(next TurnPhase) bool {
	allowed, ok := legalTransitions[m.current]
	if !ok || !allowed[next] {
		return false
	}
	m.commit(next)
	return true
}

// ForceTransition moves unconditionally to next, bypassing the transition
// table. The turn state machine never fails: a control event such as
// ResetToInitial or ForceEndSession must always be able to collapse it back
// to Initial regardless of which phase it currently holds.
func (m *PhaseMachine) ForceTransition(next TurnPhase) {
	m.commit(next)
}

func (m *PhaseMachine) commit(next TurnPhase) {
	if next == PhaseTransitionBuffer {
		m.bufferEnteredAt = time.Now()
		m.voiceFramesInRow = 0
	}
	if next == PhaseInitial || next == PhaseListening {
		m.voiceFramesInRow = 0
	}
	m.current = next
	m.transitionedAt = time.Now()
}

// TimeInPhase reports how long the machine has held its current phase.
func (m *PhaseMachine) TimeInPhase() time.Duration {
	return time.Since(m.transitionedAt)
}

// ObserveVoiceFrame records a confirmed-voiced frame while in
// TransitionBuffer; once minVoiceFrames voiced frames have arrived since
// entering it (unvoiced frames in between do not reset the count), the
// caller should transition to Speaking (the buffered audio is a real
// user turn, not a spurious blip). ObserveVoiceFrame resets the counter
// itself once it reports ready.
func (m *PhaseMachine) ObserveVoiceFrame(minVoiceFrames int) (ready bool) {
	if m.current != PhaseTransitionBuffer {
		return false
	}
	m.voiceFramesInRow++
	if m.voiceFramesInRow >= minVoiceFrames {
		m.voiceFramesInRow = 0
		return true
	}
	return false
}

// BufferExpired reports whether the TransitionBuffer has been held at least
// timeout without being confirmed as a real turn, meaning the buffered
// audio should be discarded as spurious and the session torn down.
func (m *PhaseMachine) BufferExpired(timeout time.Duration) bool {
	if m.current != PhaseTransitionBuffer {
		return false
	}
	return time.Since(m.bufferEnteredAt) >= timeout
}
