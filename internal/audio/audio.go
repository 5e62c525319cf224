package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 4     // bytes per frame (float32 = 4 bytes)
)

// Buffer is a fully decoded audio asset. Samples are interleaved float32 in
// [-1, 1]. A Buffer is read-only once built.
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

// NewBuffer wraps interleaved samples at the engine's fixed format.
func NewBuffer(samples []float32) *Buffer {
	return &Buffer{SampleRate: SampleRate, Channels: Channels, Samples: samples}
}

// Frames returns the number of sample frames (one sample per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}
