package playback

import (
	"errors"
	"sync"

	"github.com/satindergrewal/reelcast/internal/audio"
)

var (
	// ErrSessionActive means a new session or play was requested while one is
	// already playing. It does not happen when callers tear down first.
	ErrSessionActive = errors.New("playback session already active")
	// ErrNoSession is returned by Play before Begin.
	ErrNoSession = errors.New("no playback session")
)

// AudioClock is the audio subsystem's monotonic time in seconds.
type AudioClock interface {
	Now() float64
}

// Sources starts and stops the session-scoped voices of the mix graph.
type Sources interface {
	StartSources(narration, music *audio.Buffer, offset float64) error
	StopSources()
}

// State of the playback clock.
type State int

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

// Session is everything that belongs to the currently selected clip's
// playback. There is at most one per Clock.
type Session struct {
	ClipID    string
	Narration *audio.Buffer
	Music     *audio.Buffer

	ClockOffsetAtStart float64 // audio clock value that corresponds to clip time 0
	PausedAtOffset     float64
	State              State
}

// Duration is the narration length, which governs total playback length.
func (s *Session) Duration() float64 {
	return s.Narration.Duration()
}

// Clock is the single source of truth for clip time. It is derived from the
// audio clock, never from frame callbacks, so audio and video cannot drift.
type Clock struct {
	mu      sync.Mutex
	audio   AudioClock
	sources Sources
	session *Session
}

// NewClock creates a clock bound to an audio clock and the graph's sources.
func NewClock(ac AudioClock, src Sources) *Clock {
	return &Clock{audio: ac, sources: src}
}

// Begin establishes a stopped session at offset 0. Any previous session must
// have been ended; a still-playing one is rejected.
func (c *Clock) Begin(clipID string, narration, music *audio.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.State == Playing {
		return ErrSessionActive
	}
	c.session = &Session{
		ClipID:    clipID,
		Narration: narration,
		Music:     music,
		State:     Stopped,
	}
	return nil
}

// End halts audio and drops the session. Safe to call without a session.
func (c *Clock) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources.StopSources()
	c.session = nil
}

// Play starts audio at offset seconds into the clip.
func (c *Clock) Play(offset float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return ErrNoSession
	}
	if s.State == Playing {
		return ErrSessionActive
	}
	if offset < 0 || offset >= s.Duration() {
		offset = 0
	}

	s.ClockOffsetAtStart = c.audio.Now() - offset
	if err := c.sources.StartSources(s.Narration, s.Music, offset); err != nil {
		return err
	}
	s.State = Playing
	return nil
}

// Resume plays from wherever the clip was paused.
func (c *Clock) Resume() error {
	return c.Play(c.CurrentTime())
}

// Pause stops audio and remembers the position. Calling it while stopped
// only re-silences the graph.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources.StopSources()
	s := c.session
	if s == nil || s.State != Playing {
		return
	}
	s.PausedAtOffset = c.audio.Now() - s.ClockOffsetAtStart
	s.State = Stopped
}

// Rewind stops playback and moves the position back to 0.
func (c *Clock) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources.StopSources()
	if s := c.session; s != nil {
		s.State = Stopped
		s.PausedAtOffset = 0
	}
}

// CurrentTime returns clip time in seconds.
func (c *Clock) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime()
}

func (c *Clock) currentTime() float64 {
	s := c.session
	if s == nil {
		return 0
	}
	if s.State == Playing {
		return c.audio.Now() - s.ClockOffsetAtStart
	}
	return s.PausedAtOffset
}

// IsPlaying reports whether the clock is in the Playing state.
func (c *Clock) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.State == Playing
}

// Duration of the active session, 0 without one.
func (c *Clock) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.Duration()
}

// ClipID of the active session.
func (c *Clock) ClipID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ClipID
}

// Poll is called once per tick. When a playing session has reached its
// duration it stops audio and rewinds to 0; ended reports that transition.
func (c *Clock) Poll() (t float64, ended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return 0, false
	}
	t = c.currentTime()
	if s.State == Playing && t >= s.Duration() {
		c.sources.StopSources()
		s.State = Stopped
		s.PausedAtOffset = 0
		return 0, true
	}
	return t, false
}
