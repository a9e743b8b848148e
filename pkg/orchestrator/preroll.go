package orchestrator

// PrerollBuffer is a fixed-capacity ring buffer of recent audio frames. The
// teacher grew audioBuf unbounded within a turn and trimmed it on
// interruption; here capacity is bounded up front so the frames right
// before speech onset — which VAD hysteresis always clips a little of — are
// available to hand to the recognizer once a session opens.
type PrerollBuffer struct {
	frames   [][]byte
	capacity int
	next     int
	size     int
}

// NewPrerollBuffer creates a ring buffer holding at most capacity frames.
func NewPrerollBuffer(capacity int) *PrerollBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &PrerollBuffer{
		frames:   make([][]byte, capacity),
		capacity: capacity,
	}
}

// Push appends frame, evicting the oldest frame once capacity is reached.
// frame is copied so the caller's buffer can be reused.
func (p *PrerollBuffer) Push(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	p.frames[p.next] = cp
	p.next = (p.next + 1) % p.capacity
	if p.size < p.capacity {
		p.size++
	}
}

// Drain returns the buffered frames in chronological order and clears the
// buffer. Intended to be called once, when a recognition session opens, to
// hand the recognizer the audio that preceded speech detection.
func (p *PrerollBuffer) Drain() [][]byte {
	out := make([][]byte, 0, p.size)
	start := (p.next - p.size + p.capacity) % p.capacity
	for i := 0; i < p.size; i++ {
		idx := (start + i) % p.capacity
		out = append(out, p.frames[idx])
	}
	p.size = 0
	p.next = 0
	for i := range p.frames {
		p.frames[i] = nil
	}
	return out
}

// Len reports how many frames are currently buffered.
func (p *PrerollBuffer) Len() int {
	return p.size
}
