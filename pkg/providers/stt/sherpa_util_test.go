package stt

import "testing"

func TestPCM16ToFloat32(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	samples := pcm16ToFloat32(pcm)

	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if samples[0] != 0 {
		t.Errorf("expected 0, got %v", samples[0])
	}
	if samples[1] <= 0.99 || samples[1] > 1.0 {
		t.Errorf("expected ~1.0, got %v", samples[1])
	}
	if samples[2] != -1 {
		t.Errorf("expected -1.0, got %v", samples[2])
	}
}

func TestPCM16ToFloat32_Empty(t *testing.T) {
	if samples := pcm16ToFloat32(nil); len(samples) != 0 {
		t.Errorf("expected no samples for empty input, got %d", len(samples))
	}
}
