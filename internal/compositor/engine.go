// Package compositor is the playback and export engine behind the UI: it owns
// the playback clock, drives the mix graph and renders one composited frame
// per tick, which both the preview and an active export consume.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/reelcast/internal/audio"
	"github.com/satindergrewal/reelcast/internal/clip"
	"github.com/satindergrewal/reelcast/internal/export"
	"github.com/satindergrewal/reelcast/internal/playback"
	"github.com/satindergrewal/reelcast/internal/render"
	"github.com/satindergrewal/reelcast/internal/video"
)

var (
	// ErrNoClip is returned by operations that need a selected clip.
	ErrNoClip = errors.New("no clip selected")
	// ErrNotLoaded means the selected clip's narration is not decoded yet.
	ErrNotLoaded = errors.New("narration is still loading")
)

// Assets is the media cache the engine loads from.
type Assets interface {
	Narration(ctx context.Context, c clip.Clip) (*audio.Buffer, error)
	BackgroundVideo(ctx context.Context, c clip.Clip) (video.Source, error)
	StillImage(ctx context.Context, c clip.Clip) (image.Image, error)
}

// Config wires an Engine. Graph, Assets, Renderer and Capturer are required.
// maxRetainedJobs bounds how many exports stay retrievable by ID. Each
// holds its whole encoded artifact in memory.
const maxRetainedJobs = 8

type Config struct {
	Graph    *audio.Graph
	Assets   Assets
	Renderer *render.Compositor
	Capturer *export.Capturer
	Music    *audio.Buffer // looping bed under every clip, may be nil
}

// Engine is safe for concurrent use. Tick must be called from one goroutine.
type Engine struct {
	clock    *playback.Clock
	assets   Assets
	renderer *render.Compositor
	capturer *export.Capturer
	music    *audio.Buffer
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	clip       *clip.Clip
	gen        uint64
	cancelLoad context.CancelFunc
	narration  *audio.Buffer
	video      video.Source
	still      image.Image
	latest     *image.RGBA
	jobs       map[string]*export.Job
	jobOrder   []string // oldest first
}

// New creates an engine with no clip selected.
func New(cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		clock:    playback.NewClock(cfg.Graph, cfg.Graph),
		assets:   cfg.Assets,
		renderer: cfg.Renderer,
		capturer: cfg.Capturer,
		music:    cfg.Music,
		events:   make(chan Event, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*export.Job),
	}
}

// SelectClip tears down the current session synchronously, then starts
// loading the new clip's assets in the background. The returned channel is
// closed once every load has finished, successfully or not.
func (e *Engine) SelectClip(c clip.Clip) (<-chan struct{}, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.teardownLocked("clip changed")

	e.gen++
	gen := e.gen
	e.clip = &c
	ctx, cancel := context.WithCancel(e.ctx)
	e.cancelLoad = cancel

	log.Printf("Selected clip %s (%d segments)", c.ID, len(c.Segments))

	g := new(errgroup.Group)
	g.Go(func() error { e.loadNarration(ctx, gen, c); return nil })
	g.Go(func() error { e.loadVideo(ctx, gen, c); return nil })
	g.Go(func() error { e.loadStill(ctx, gen, c); return nil })

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	return done, nil
}

// teardownLocked stops audio and drops everything session-scoped.
func (e *Engine) teardownLocked(reason string) {
	if e.capturer.State() == export.Recording {
		e.capturer.Abort(reason)
	}
	e.clock.End()
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	e.clip = nil
	e.narration = nil
	e.video = nil
	e.still = nil
	e.latest = nil
}

func (e *Engine) loadNarration(ctx context.Context, gen uint64, c clip.Clip) {
	buf, err := e.assets.Narration(ctx, c)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	if err != nil {
		log.Printf("Narration for %s failed: %v", c.ID, err)
		e.emit(Event{Kind: AudioLoadError, ClipID: c.ID, Reason: err.Error()})
		return
	}
	if err := e.clock.Begin(c.ID, buf, e.music); err != nil {
		e.emit(Event{Kind: AudioLoadError, ClipID: c.ID, Reason: err.Error()})
		return
	}
	e.narration = buf
}

func (e *Engine) loadVideo(ctx context.Context, gen uint64, c clip.Clip) {
	src, err := e.assets.BackgroundVideo(ctx, c)
	if err == nil && src != nil {
		// Seeking can restart the decoder; do it before taking e.mu so
		// Tick and Status keep running meanwhile.
		if serr := src.Seek(playback.VideoTarget(e.clock.CurrentTime(), src.Duration())); serr != nil {
			err = fmt.Errorf("seek: %w", serr)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	if err != nil {
		log.Printf("Background video for %s failed: %v", c.ID, err)
		e.emit(Event{Kind: VideoLoadError, ClipID: c.ID, Reason: err.Error()})
		return
	}
	if src == nil {
		return
	}
	e.video = src
}

func (e *Engine) loadStill(ctx context.Context, gen uint64, c clip.Clip) {
	img, err := e.assets.StillImage(ctx, c)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	if err != nil {
		// Rendering falls back to the gradient; nothing else depends on it.
		log.Printf("Still image for %s failed: %v", c.ID, err)
		return
	}
	e.still = img
}

// RetryVideo re-attempts the background video of the selected clip. The
// narration entry is left alone.
func (e *Engine) RetryVideo() (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clip == nil {
		return nil, ErrNoClip
	}
	done := make(chan struct{})
	if e.video != nil || !e.clip.HasVideo() {
		close(done)
		return done, nil
	}
	c, gen := *e.clip, e.gen
	ctx, cancel := context.WithCancel(e.ctx)
	prev := e.cancelLoad
	e.cancelLoad = func() {
		cancel()
		if prev != nil {
			prev()
		}
	}
	go func() {
		defer close(done)
		e.loadVideo(ctx, gen, c)
	}()
	return done, nil
}

// Play starts or resumes playback of the selected clip.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clip == nil {
		return ErrNoClip
	}
	if e.narration == nil {
		return ErrNotLoaded
	}
	if e.clock.IsPlaying() {
		return nil
	}
	return e.clock.Resume()
}

// Pause stops audio and keeps the position. Safe to call repeatedly.
func (e *Engine) Pause() {
	e.clock.Pause()
}

// SeekToStart moves to 0, continuing playback if it was playing.
func (e *Engine) SeekToStart() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clip == nil {
		return ErrNoClip
	}
	playing := e.clock.IsPlaying()
	e.clock.Rewind()
	if playing {
		return e.clock.Play(0)
	}
	return nil
}

// CurrentTime returns the position within the selected clip in seconds.
func (e *Engine) CurrentTime() float64 {
	return e.clock.CurrentTime()
}

// IsPlaying reports whether audio is running.
func (e *Engine) IsPlaying() bool {
	return e.clock.IsPlaying()
}

// TotalDuration is the decoded narration length once known, else the
// clip's declared duration.
func (e *Engine) TotalDuration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalDurationLocked()
}

func (e *Engine) totalDurationLocked() float64 {
	if e.narration != nil {
		return e.narration.Duration()
	}
	if e.clip != nil {
		return e.clip.Duration
	}
	return 0
}

// RequestExport records the selected clip from the start. The job reports
// its result through Wait and through an export event.
func (e *Engine) RequestExport() (*export.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clip == nil {
		return nil, ErrNoClip
	}
	job, err := e.capturer.Start(e.ctx, export.Request{
		ClipID:    e.clip.ID,
		Stem:      e.clip.FileStem(),
		Narration: e.narration,
	}, e.clock)
	if err != nil {
		if !errors.Is(err, export.ErrNotReady) && !errors.Is(err, export.ErrBusy) {
			e.emit(Event{Kind: ExportError, ClipID: e.clip.ID, Reason: err.Error()})
		}
		return nil, err
	}
	e.retainLocked(job)
	go e.watchJob(job)
	return job, nil
}

// retainLocked remembers job and forgets the oldest finished jobs beyond
// maxRetainedJobs. Unfinished jobs are never dropped.
func (e *Engine) retainLocked(job *export.Job) {
	e.jobs[job.ID] = job
	e.jobOrder = append(e.jobOrder, job.ID)

	keep := e.jobOrder[:0]
	excess := len(e.jobOrder) - maxRetainedJobs
	for _, id := range e.jobOrder {
		if excess > 0 && finished(e.jobs[id]) {
			delete(e.jobs, id)
			excess--
			continue
		}
		keep = append(keep, id)
	}
	e.jobOrder = keep
}

func finished(j *export.Job) bool {
	select {
	case <-j.Done():
		return true
	default:
		return false
	}
}

func (e *Engine) watchJob(job *export.Job) {
	select {
	case <-job.Done():
	case <-e.ctx.Done():
		return
	}
	_, err := job.Result()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.emit(Event{Kind: ExportError, ClipID: job.ClipID, JobID: job.ID, Reason: err.Error()})
		return
	}
	e.emit(Event{Kind: ExportReady, ClipID: job.ClipID, JobID: job.ID})
}

// Job looks up an export by ID.
func (e *Engine) Job(id string) (*export.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Tick advances one animation frame: it polls the clock (auto-rewinding and
// finalizing an export at the end), keeps the background video on the audio
// clock, renders the frame and hands it to the capturer. dt is the wall
// time since the previous tick. Returns nil when no clip is selected.
func (e *Engine) Tick(dt float64) *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clip == nil {
		return nil
	}

	t, ended := e.clock.Poll()
	if ended {
		log.Printf("Clip %s reached the end", e.clip.ID)
		e.capturer.OnReachEnd()
	}

	bg := render.Background{Still: e.still}
	if e.video != nil {
		frame, err := e.videoFrame(t, dt)
		if err != nil {
			log.Printf("Background video for %s stopped: %v", e.clip.ID, err)
			e.emit(Event{Kind: VideoLoadError, ClipID: e.clip.ID, Reason: err.Error()})
			e.video = nil
		} else {
			bg.Video = frame
		}
	}

	out := e.renderer.RenderFrame(t, e.totalDurationLocked(), e.clip.Segments, bg)
	e.capturer.CaptureVideo(out, t)
	e.latest = out
	return out
}

func (e *Engine) videoFrame(t, dt float64) (image.Image, error) {
	if seekTo, needed := playback.Correction(e.video.Position(), t, e.video.Duration()); needed {
		if err := e.video.Seek(seekTo); err != nil {
			return nil, fmt.Errorf("seek to %.2fs: %w", seekTo, err)
		}
	}
	step := 0.0
	if e.clock.IsPlaying() {
		step = dt
	}
	return e.video.Advance(step)
}

// Preview returns the most recently rendered frame, or nil.
func (e *Engine) Preview() *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// RunFrames calls Tick at fps until ctx is cancelled.
func (e *Engine) RunFrames(ctx context.Context, fps int) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now.Sub(last).Seconds())
			last = now
		}
	}
}

// Close ends the session and any export, and stops background loads.
func (e *Engine) Close() {
	e.mu.Lock()
	e.teardownLocked("engine closed")
	e.mu.Unlock()
	e.cancel()
}
