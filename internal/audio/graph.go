package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrGraphClosed is returned when sources are started after Close.
var ErrGraphClosed = errors.New("audio graph closed")

// Levels are the linear gains of the mix graph.
type Levels struct {
	Master    float64
	Narration float64
	Music     float64
}

// DefaultLevels keeps narration at full level and ducks music to ~12% of it.
func DefaultLevels() Levels {
	return Levels{Master: 1.0, Narration: 1.0, Music: 0.12}
}

// Sink receives every master-mix frame. Delivery never blocks the graph: a
// sink whose buffer is full loses frames.
type Sink struct {
	C    chan []float32
	name string
}

// Name identifies the sink in logs.
func (s *Sink) Name() string {
	return s.name
}

// Drain discards buffered frames and returns how many were dropped.
func (s *Sink) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

type voice struct {
	buf  *Buffer
	pos  int // sample frame index
	loop bool
}

// sample returns the value for channel ch at the current position.
func (v *voice) sample(ch int) float32 {
	bc := v.buf.Channels
	if ch >= bc {
		ch = bc - 1
	}
	return v.buf.Samples[v.pos*bc+ch]
}

// advance moves one sample frame forward. Returns false when a one-shot
// voice has run out.
func (v *voice) advance() bool {
	v.pos++
	if v.pos < v.buf.Frames() {
		return true
	}
	if v.loop {
		v.pos = 0
		return true
	}
	return false
}

// Graph is the fixed mix topology:
//
//	narration -> narration gain \
//	                              master gain -> live sink, capture sink
//	music     -> music gain     /
//
// Gains and sinks live as long as the Graph. Only the source voices are
// recreated per playback session. The Graph's render position is the audio
// clock used by playback.
type Graph struct {
	mu        sync.Mutex
	levels    Levels
	narration *voice
	music     *voice
	rendered  int64 // sample frames rendered since NewGraph
	live      *Sink
	capture   *Sink
	closed    bool
}

// NewGraph builds the graph once. Call Close exactly once when done.
func NewGraph(levels Levels) *Graph {
	return &Graph{
		levels:  levels,
		live:    &Sink{C: make(chan []float32, 100), name: "live"},
		capture: &Sink{C: make(chan []float32, 250), name: "capture"}, // ~5s so a recorder hiccup loses nothing
	}
}

// Configure replaces the gain levels. Takes effect on the next frame.
func (g *Graph) Configure(l Levels) {
	g.mu.Lock()
	g.levels = l
	g.mu.Unlock()
}

// Levels returns the current gains.
func (g *Graph) Levels() Levels {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels
}

// AttachSinks returns the live-output and capturable sinks. Both are fed by
// the master gain; every call returns the same pair.
func (g *Graph) AttachSinks() (live, capture *Sink) {
	return g.live, g.capture
}

// StartSources replaces any running voices with fresh ones: narration plays
// once from offset, music loops from offset wrapped to its own length.
// music may be nil. The capture sink is emptied in the same step, so the
// next frame it yields is the first frame of the new voices.
func (g *Graph) StartSources(narration, music *Buffer, offset float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGraphClosed
	}
	g.narration, g.music = nil, nil
	g.capture.Drain()

	if offset < 0 {
		offset = 0
	}
	if n := narration.Frames(); n > 0 {
		pos := int(offset * float64(narration.SampleRate))
		if pos < n {
			g.narration = &voice{buf: narration, pos: pos}
		}
	}
	if n := music.Frames(); n > 0 {
		pos := int(offset*float64(music.SampleRate)) % n
		g.music = &voice{buf: music, pos: pos, loop: true}
	}
	return nil
}

// StopSources halts and discards running voices. Safe to call at any time,
// including when nothing is playing.
func (g *Graph) StopSources() {
	g.mu.Lock()
	g.narration, g.music = nil, nil
	g.mu.Unlock()
}

// Active reports whether any voice is still producing audio.
func (g *Graph) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.narration != nil || g.music != nil
}

// Now returns the audio clock in seconds: how much audio the graph has
// rendered since it was created. It never goes backwards.
func (g *Graph) Now() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.rendered) / SampleRate
}

// Render mixes one 20ms frame, advances the audio clock and hands the frame
// to both sinks.
func (g *Graph) Render() []float32 {
	frame := make([]float32, FrameSamples)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return frame
	}

	l := g.levels
	for i := 0; i < FrameSize; i++ {
		for ch := 0; ch < Channels; ch++ {
			var mixed float64
			if g.narration != nil {
				mixed += float64(g.narration.sample(ch)) * l.Narration
			}
			if g.music != nil {
				mixed += float64(g.music.sample(ch)) * l.Music
			}
			frame[i*Channels+ch] = clip32(mixed * l.Master)
		}
		if g.narration != nil && !g.narration.advance() {
			g.narration = nil
		}
		if g.music != nil {
			g.music.advance()
		}
	}
	g.rendered += FrameSize

	deliver(g.live, frame)
	deliver(g.capture, frame)
	return frame
}

func deliver(s *Sink, frame []float32) {
	select {
	case s.C <- frame:
	default:
		// sink too slow, drop frame to keep the clock moving
	}
}

// Run renders frames at real-time rate. Blocks until ctx is cancelled.
func (g *Graph) Run(ctx context.Context) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Render()
		}
	}
}

// Close stops all voices and closes both sinks. Further calls are no-ops.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.narration, g.music = nil, nil
	close(g.live.C)
	close(g.capture.C)
}

func clip32(v float64) float32 {
	return float32(math.Max(-1, math.Min(1, v)))
}
