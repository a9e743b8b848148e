package orchestrator

// BargeInCoordinator decouples the barge-in reaction from the VAD
// write-path, generalizing the teacher's inline branch inside
// ManagedStream.Write (speaking + VADSpeechStart -> internalInterrupt +
// restart streaming STT) into a standalone subscriber of bus events. A
// barge-in is a Voice frame observed while the phase machine is in
// PhaseListening (the agent is playing audio back); it drives the single
// enforceable cancellation choke point: cancelling the active ReplyTask and
// aborting the TTS provider.
type BargeInCoordinator struct {
	bus     *EventBus
	tts     TTSProvider
	logger  Logger
	metrics Metrics

	activeTask *ReplyTask
}

// NewBargeInCoordinator wires a coordinator against bus and tts.
func NewBargeInCoordinator(bus *EventBus, tts TTSProvider, logger Logger, metrics Metrics) *BargeInCoordinator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	return &BargeInCoordinator{bus: bus, tts: tts, logger: logger, metrics: metrics}
}

// SetActiveTask registers the ReplyTask currently in flight, so a
// subsequent barge-in has something to cancel. Pass nil once the task
// completes naturally.
func (b *BargeInCoordinator) SetActiveTask(task *ReplyTask) {
	b.activeTask = task
}

// HandleUserSpeaking is invoked whenever the Frame Classifier confirms
// voiced audio. phase is the turn-phase machine's phase at the moment the
// frame was classified (callers run this synchronously from the same
// goroutine that owns the phase machine, avoiding the need for the
// coordinator itself to hold the phase lock). Only a Voice frame observed
// while the agent is playing audio (PhaseListening) is a barge-in; a Voice
// frame while the user is already mid-turn (PhaseSpeaking) is just more of
// the same turn.
func (b *BargeInCoordinator) HandleUserSpeaking(phase TurnPhase) bool {
	if phase != PhaseListening {
		return false
	}
	b.Trigger()
	return true
}

// Trigger unconditionally cancels the active reply task and aborts TTS,
// publishing Interrupted. Split out from HandleUserSpeaking so a caller that
// defers the interrupt decision — e.g. until a transcript reaches
// MinWordsToInterrupt words, to let a short backchannel pass without
// cutting the assistant off — still routes through the same choke point.
func (b *BargeInCoordinator) Trigger() {
	b.logger.Info("barge-in detected, cancelling active reply")
	b.metrics.ObserveInterruption()

	if b.activeTask != nil {
		b.activeTask.Cancel()
	}
	if err := b.tts.Abort(); err != nil {
		b.logger.Warn("tts abort failed during barge-in", "error", err.Error())
	}

	if b.bus != nil {
		_ = b.bus.Publish(OrchestratorEvent{Type: Interrupted})
	}
}
