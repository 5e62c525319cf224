// Package export captures the composited preview (frames plus master mix)
// into a single encoded file.
package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/reelcast/internal/audio"
)

var (
	// ErrNotReady means the current clip has no decoded narration yet.
	ErrNotReady = errors.New("export not ready: narration is still loading")
	// ErrBusy means another export is recording or finalizing.
	ErrBusy = errors.New("an export is already in progress")
)

// CaptureError is a terminal failure of one export attempt.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "export failed: " + e.Reason
	}
	return fmt.Sprintf("export failed: %s: %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// State of the capturer.
type State int

const (
	Idle State = iota
	Recording
	Finalizing
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Artifact is a finished export.
type Artifact struct {
	Name string
	MIME string
	Data []byte
}

// Save writes the artifact into dir and returns its path.
func (a *Artifact) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, a.Name)
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Job is one export attempt. It finishes exactly once, with either an
// artifact or an error.
type Job struct {
	ID     string
	ClipID string
	Codec  Codec
	Start  time.Time

	stem string

	mu     sync.Mutex
	chunks [][]byte
	size   int

	done     chan struct{}
	artifact *Artifact
	err      error
}

func (j *Job) addChunk(b []byte) {
	j.mu.Lock()
	j.chunks = append(j.chunks, b)
	j.size += len(b)
	j.mu.Unlock()
}

// Done is closed when the job has a result.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the outcome. Only meaningful after Done is closed.
func (j *Job) Result() (*Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	default:
		return nil, nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (*Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) finish(a *Artifact, err error) {
	j.artifact = a
	j.err = err
	close(j.done)
}

// Playback is the part of the playback clock an export drives.
type Playback interface {
	Rewind()
	Play(offset float64) error
}

// Options configures a Capturer.
type Options struct {
	Width, Height, FPS int
	// MinBytes is the smallest artifact accepted as real output.
	MinBytes    int
	Candidates  []Codec
	Supported   CapabilityFunc
	NewRecorder RecorderFactory
}

// Request describes what to export.
type Request struct {
	ClipID    string
	Stem      string // artifact file name without extension
	Narration *audio.Buffer
}

// Capturer records the frames handed to CaptureVideo and the audio arriving
// on the capture sink into one Job at a time.
type Capturer struct {
	opts Options
	sink *audio.Sink

	mu       sync.Mutex
	state    State
	job      *Job
	rec      Recorder
	written  int // video frames the recorder has accepted this job
	writeErr error
	stopPump chan struct{}
	pumpDone chan struct{}
}

// NewCapturer creates an idle capturer reading audio from sink.
func NewCapturer(sink *audio.Sink, opts Options) *Capturer {
	if opts.Candidates == nil {
		opts.Candidates = Preferred
	}
	return &Capturer{opts: opts, sink: sink}
}

// State returns the current state.
func (c *Capturer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the active job, or nil when idle.
func (c *Capturer) Current() *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

// Start begins a new export: it picks a codec, starts the recorder, rewinds
// playback to 0 and starts it.
func (c *Capturer) Start(ctx context.Context, req Request, pb Playback) (*Job, error) {
	if req.Narration == nil {
		return nil, ErrNotReady
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return nil, ErrBusy
	}
	if c.opts.NewRecorder == nil {
		return nil, &CaptureError{Reason: "no encoder configured"}
	}

	codec := Select(c.opts.Candidates, c.opts.Supported)
	stem := req.Stem
	if stem == "" {
		stem = "clip"
	}
	job := &Job{
		ID:     uuid.NewString(),
		ClipID: req.ClipID,
		Codec:  codec,
		Start:  time.Now(),
		stem:   stem,
		done:   make(chan struct{}),
	}

	rec, err := c.opts.NewRecorder(ctx, codec, c.opts.Width, c.opts.Height, c.opts.FPS, job.addChunk)
	if err != nil {
		return nil, &CaptureError{Reason: "encoder unavailable for " + codec.MIME, Err: err}
	}

	// Whatever the graph rendered while the encoder was starting is not part
	// of the clip. Rewind, drain and play back to back, and only then start
	// pumping, so the first recorded audio frame is clip time 0.
	pb.Rewind()
	c.sink.Drain()
	if err := pb.Play(0); err != nil {
		rec.Stop()
		return nil, &CaptureError{Reason: "playback did not start", Err: err}
	}
	c.stopPump = make(chan struct{})
	c.pumpDone = make(chan struct{})
	go c.pump(rec, c.stopPump, c.pumpDone)

	c.state = Recording
	c.job = job
	c.rec = rec
	c.written = 0
	c.writeErr = nil
	log.Printf("Export %s started: clip %s as %s", job.ID, req.ClipID, codec.MIME)
	return job, nil
}

// pump forwards captured master-mix frames to the recorder until stopped,
// then flushes what is already queued.
func (c *Capturer) pump(rec Recorder, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			for {
				select {
				case frame, ok := <-c.sink.C:
					if !ok {
						return
					}
					c.writeAudio(rec, frame)
				default:
					return
				}
			}
		case frame, ok := <-c.sink.C:
			if !ok {
				return
			}
			c.writeAudio(rec, frame)
		}
	}
}

func (c *Capturer) writeAudio(rec Recorder, frame []float32) {
	if err := rec.WriteAudio(frame); err != nil {
		c.mu.Lock()
		if c.writeErr == nil {
			c.writeErr = err
		}
		c.mu.Unlock()
	}
}

// CaptureVideo records the frame composited for clip time t. The encoder
// stamps frames by count, so the output is kept at Options.FPS against the
// clip clock: the frame is repeated to cover ticks the render loop missed
// and skipped when the loop runs ahead. It is a no-op unless Recording.
func (c *Capturer) CaptureVideo(frame *image.RGBA, t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording {
		return
	}
	due := c.written + 1
	if c.opts.FPS > 0 {
		due = int(math.Floor(t*float64(c.opts.FPS)+1e-6)) + 1
	}
	for c.written < due {
		err := c.rec.WriteVideo(frame)
		if errors.Is(err, ErrVideoBacklog) {
			// offered again next tick
			return
		}
		if err != nil {
			if c.writeErr == nil {
				c.writeErr = err
			}
			return
		}
		c.written++
	}
}

// OnReachEnd stops capture and finalizes in the background. It returns the
// job being finalized, or nil if nothing was recording.
func (c *Capturer) OnReachEnd() *Job {
	job := c.stopCapture()
	if job != nil {
		go c.Finalize()
	}
	return job
}

func (c *Capturer) stopCapture() *Job {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return nil
	}
	c.state = Finalizing
	stop, done, job := c.stopPump, c.pumpDone, c.job
	c.mu.Unlock()

	close(stop)
	<-done
	return job
}

// Finalize flushes the recorder and assembles the artifact. Output smaller
// than MinBytes is reported as a CaptureError instead of an artifact.
func (c *Capturer) Finalize() (*Artifact, error) {
	c.mu.Lock()
	if c.state != Finalizing {
		c.mu.Unlock()
		return nil, fmt.Errorf("finalize: capturer is %s", c.state)
	}
	job, rec := c.job, c.rec
	c.mu.Unlock()

	stopErr := rec.Stop()

	c.mu.Lock()
	writeErr := c.writeErr
	c.mu.Unlock()

	job.mu.Lock()
	size := job.size
	data := make([]byte, 0, size)
	for _, chunk := range job.chunks {
		data = append(data, chunk...)
	}
	job.chunks = nil
	job.mu.Unlock()

	var (
		art *Artifact
		err error
	)
	switch {
	case stopErr != nil:
		err = &CaptureError{Reason: "encoder failed", Err: stopErr}
	case writeErr != nil:
		err = &CaptureError{Reason: "capture interrupted", Err: writeErr}
	case size < c.opts.MinBytes:
		err = &CaptureError{Reason: fmt.Sprintf("captured output is empty (%d bytes); the background source may block pixel capture", size)}
	default:
		art = &Artifact{Name: job.stem + job.Codec.Ext, MIME: job.Codec.MIME, Data: data}
	}

	c.mu.Lock()
	c.state = Idle
	c.job = nil
	c.rec = nil
	c.mu.Unlock()

	if err != nil {
		log.Printf("Export %s failed: %v", job.ID, err)
	} else {
		log.Printf("Export %s ready: %s (%d bytes, %s)", job.ID, art.Name, len(art.Data), time.Since(job.Start).Round(time.Millisecond))
	}
	job.finish(art, err)
	return art, err
}

// Abort ends the active export without an artifact.
func (c *Capturer) Abort(reason string) {
	job := c.stopCapture()
	if job == nil {
		return
	}
	c.mu.Lock()
	rec := c.rec
	c.state = Idle
	c.job = nil
	c.rec = nil
	c.mu.Unlock()

	rec.Stop()
	err := &CaptureError{Reason: reason}
	log.Printf("Export %s aborted: %s", job.ID, reason)
	job.finish(nil, err)
}
