package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Source is a looping background video whose position runs on its own
// clock. The compositor advances it each tick and nudges it back toward the
// audio clock when they drift apart.
type Source interface {
	// Advance moves the position forward by dt seconds and returns the frame
	// there. The returned image is owned by the Source until the next call.
	Advance(dt float64) (image.Image, error)
	Seek(t float64) error
	Position() float64
	Duration() float64
	Close() error
}

// Info is what ffprobe reports about a video stream.
type Info struct {
	Width    int
	Height   int
	FPS      float64
	Duration float64
}

// Probe reads stream dimensions, frame rate and duration with ffprobe.
func Probe(ctx context.Context, ffprobe, locator string) (Info, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate:format=duration",
		"-of", "json",
		locator,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w\n%s", locator, err, string(b))
	}
	return parseProbe(b)
}

type probeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(b []byte) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return Info{}, errors.New("no video stream")
	}
	st := out.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return Info{}, fmt.Errorf("invalid video size %dx%d", st.Width, st.Height)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
	if err != nil || dur <= 0 {
		return Info{}, fmt.Errorf("invalid video duration %q", out.Format.Duration)
	}
	return Info{
		Width:    st.Width,
		Height:   st.Height,
		FPS:      parseRate(st.RFrameRate),
		Duration: dur,
	}, nil
}

// parseRate turns "30000/1001" into 29.97. Falls back to 30.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 30
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 30
	}
	return n / d
}

// FFmpegSource streams decoded RGBA frames from an FFmpeg subprocess, looping
// the input forever. Seeking restarts the subprocess at the new position.
type FFmpegSource struct {
	ffmpeg  string
	locator string
	info    Info
	width   int
	height  int

	mu       sync.Mutex
	cmd      *exec.Cmd
	out      io.ReadCloser
	frame    *image.RGBA
	frameIdx int64   // frames read since the last (re)start
	startAt  float64 // position of the last (re)start
	played   float64 // seconds advanced since the last (re)start
	pos      float64
	closed   bool
}

// Open probes locator and starts decoding at 0. Frames are scaled so their
// height is maxHeight (aspect preserved); 0 keeps the native size.
func Open(ctx context.Context, ffmpeg, ffprobe, locator string, maxHeight int) (*FFmpegSource, error) {
	info, err := Probe(ctx, ffprobe, locator)
	if err != nil {
		return nil, err
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	w, h := info.Width, info.Height
	if maxHeight > 0 && h > maxHeight {
		w = int(math.Round(float64(w) * float64(maxHeight) / float64(h)))
		w -= w % 2
		h = maxHeight
	}
	s := &FFmpegSource{
		ffmpeg:  ffmpeg,
		locator: locator,
		info:    info,
		width:   w,
		height:  h,
		frame:   image.NewRGBA(image.Rect(0, 0, w, h)),
	}
	if err := s.start(0); err != nil {
		return nil, err
	}
	return s, nil
}

// Info returns the probed stream info.
func (s *FFmpegSource) Info() Info {
	return s.info
}

// start must be called with mu held (or before the source is shared).
func (s *FFmpegSource) start(at float64) error {
	s.stop()
	cmd := exec.Command(s.ffmpeg,
		"-stream_loop", "-1",
		"-ss", strconv.FormatFloat(at, 'f', 3, 64),
		"-i", s.locator,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", s.width, s.height),
		"-r", strconv.FormatFloat(s.info.FPS, 'f', 3, 64),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-loglevel", "error",
		"pipe:1",
	)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("video stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg video decode: %w", err)
	}
	s.cmd = cmd
	s.out = out
	s.startAt = at
	s.pos = at
	s.played = 0
	s.frameIdx = 0
	return s.readFrame()
}

func (s *FFmpegSource) stop() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	s.cmd = nil
	s.out = nil
}

func (s *FFmpegSource) readFrame() error {
	if _, err := io.ReadFull(s.out, s.frame.Pix); err != nil {
		return fmt.Errorf("read video frame: %w", err)
	}
	s.frameIdx++
	return nil
}

// Advance moves forward dt seconds, reading as many frames as that covers.
func (s *FFmpegSource) Advance(dt float64) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("video source closed")
	}
	if dt > 0 {
		s.played += dt
		s.pos = wrap(s.startAt+s.played, s.info.Duration)
	}
	want := int64(s.played*s.info.FPS) + 1
	for s.frameIdx < want {
		if err := s.readFrame(); err != nil {
			return nil, err
		}
	}
	return s.frame, nil
}

// Seek restarts decoding at t (wrapped to the loop).
func (s *FFmpegSource) Seek(t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("video source closed")
	}
	return s.start(wrap(t, s.info.Duration))
}

// Position returns the current position within the loop.
func (s *FFmpegSource) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Duration of one loop.
func (s *FFmpegSource) Duration() float64 {
	return s.info.Duration
}

// Close stops the decoder.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	return nil
}

// wrap wraps t into [0, duration).
func wrap(t, duration float64) float64 {
	if duration <= 0 {
		return t
	}
	t = math.Mod(t, duration)
	if t < 0 {
		t += duration
	}
	return t
}

var _ Source = (*FFmpegSource)(nil)
