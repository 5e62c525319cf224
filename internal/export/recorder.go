package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/reelcast/internal/audio"
)

// Recorder encodes composited frames and master-mix audio into one stream.
// Output is handed back in chunks through the callback given at creation.
type Recorder interface {
	// WriteVideo returns ErrVideoBacklog when the frame was not taken.
	WriteVideo(frame *image.RGBA) error
	WriteAudio(samples []float32) error
	// Stop flushes the encoder. Every chunk has been delivered when it
	// returns.
	Stop() error
}

// RecorderFactory starts a recorder for codec at the given frame geometry.
type RecorderFactory func(ctx context.Context, codec Codec, width, height, fps int, onChunk func([]byte)) (Recorder, error)

const (
	chunkSize  = 64 * 1024
	videoQueue = 30
	audioQueue = 250
)

// FFmpegRecorder pipes RGBA frames to ffmpeg's stdin and float32 PCM to fd 3,
// and reads the muxed container from stdout.
type FFmpegRecorder struct {
	cmd    *exec.Cmd
	video  chan *image.RGBA
	audio  chan []float32
	g      *errgroup.Group
	width  int
	height int

	stopOnce sync.Once
	stopErr  error
	mu       sync.Mutex
	dropped  int
}

// NewFFmpegFactory returns a RecorderFactory backed by the ffmpeg binary.
func NewFFmpegFactory(ffmpeg string) RecorderFactory {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return func(ctx context.Context, codec Codec, width, height, fps int, onChunk func([]byte)) (Recorder, error) {
		return StartFFmpegRecorder(ctx, ffmpeg, codec, width, height, fps, onChunk)
	}
}

// recorderArgs builds the ffmpeg command line. Video arrives on pipe:0,
// audio on pipe:3.
func recorderArgs(codec Codec, width, height, fps int) []string {
	args := []string{
		"-y", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-f", "f32le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:3",
		"-map", "0:v",
		"-map", "1:a",
		"-pix_fmt", "yuv420p",
	}
	if codec.VideoEncoder != "" {
		args = append(args, "-c:v", codec.VideoEncoder)
	}
	if codec.AudioEncoder != "" {
		args = append(args, "-c:a", codec.AudioEncoder)
	}
	args = append(args, codec.Args...)
	return append(args, "-f", codec.Format, "pipe:1")
}

// StartFFmpegRecorder launches the encoder process.
func StartFFmpegRecorder(ctx context.Context, ffmpeg string, codec Codec, width, height, fps int, onChunk func([]byte)) (*FFmpegRecorder, error) {
	cmd := exec.CommandContext(ctx, ffmpeg, recorderArgs(codec, width, height, fps)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout pipe: %w", err)
	}
	audioR, audioW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("recorder audio pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{audioR} // fd 3

	if err := cmd.Start(); err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("start ffmpeg recorder: %w", err)
	}
	// The child holds its own copy now.
	audioR.Close()

	r := &FFmpegRecorder{
		cmd:    cmd,
		video:  make(chan *image.RGBA, videoQueue),
		audio:  make(chan []float32, audioQueue),
		width:  width,
		height: height,
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		defer stdin.Close()
		for frame := range r.video {
			if _, err := stdin.Write(frame.Pix); err != nil {
				drain(r.video)
				return fmt.Errorf("write video: %w", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		defer audioW.Close()
		for samples := range r.audio {
			if _, err := audioW.Write(audio.SamplesToBytes(samples)); err != nil {
				drain(r.audio)
				return fmt.Errorf("write audio: %w", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		buf := make([]byte, chunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read encoded output: %w", err)
			}
		}
	})
	r.g = g
	return r, nil
}

func drain[T any](ch chan T) {
	for range ch {
	}
}

// ErrVideoBacklog means the encoder is behind and the frame was not queued.
// The caller may offer it again later.
var ErrVideoBacklog = errors.New("video encoder backlog")

// WriteVideo queues a frame. Frames of the wrong size are rejected; a full
// queue refuses the frame with ErrVideoBacklog rather than stall the render
// loop. Must not be called after Stop.
func (r *FFmpegRecorder) WriteVideo(frame *image.RGBA) error {
	if b := frame.Bounds(); b.Dx() != r.width || b.Dy() != r.height {
		return fmt.Errorf("frame is %dx%d, recorder expects %dx%d", b.Dx(), b.Dy(), r.width, r.height)
	}
	select {
	case r.video <- frame:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return ErrVideoBacklog
	}
	return nil
}

// WriteAudio queues one block of interleaved stereo samples. Must not be
// called after Stop.
func (r *FFmpegRecorder) WriteAudio(samples []float32) error {
	r.audio <- samples
	return nil
}

// Stop closes both inputs and waits for ffmpeg to finish muxing.
func (r *FFmpegRecorder) Stop() error {
	r.stopOnce.Do(func() {
		close(r.video)
		close(r.audio)
		err := r.g.Wait()
		if werr := r.cmd.Wait(); werr != nil && err == nil {
			err = fmt.Errorf("ffmpeg recorder: %w", werr)
		}
		r.mu.Lock()
		if r.dropped > 0 {
			log.Printf("Recorder refused %d video frames while backlogged", r.dropped)
		}
		r.mu.Unlock()
		r.stopErr = err
	})
	return r.stopErr
}

var _ Recorder = (*FFmpegRecorder)(nil)
