package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
)

// Decoder turns an encoded audio payload into a Buffer.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*Buffer, error)
	DecodeFile(ctx context.Context, path string) (*Buffer, error)
}

// FFmpegDecoder decodes anything FFmpeg understands to 48kHz stereo float32.
type FFmpegDecoder struct {
	ffmpeg string
}

// NewFFmpegDecoder creates a decoder using the given ffmpeg binary.
func NewFFmpegDecoder(ffmpegPath string) *FFmpegDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegDecoder{ffmpeg: ffmpegPath}
}

// Decode pipes an in-memory payload through FFmpeg.
func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode: empty payload")
	}
	return d.run(ctx, "pipe:0", data)
}

// DecodeFile runs FFmpeg on a file path or URL.
func (d *FFmpegDecoder) DecodeFile(ctx context.Context, path string) (*Buffer, error) {
	return d.run(ctx, path, nil)
}

func (d *FFmpegDecoder) run(ctx context.Context, input string, stdin []byte) (*Buffer, error) {
	cmd := exec.CommandContext(ctx, d.ffmpeg,
		"-i", input,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w\n%s", input, err, stderr.String())
	}

	buf := NewBuffer(BytesToSamples(out))
	if buf.Frames() == 0 {
		return nil, fmt.Errorf("ffmpeg decode %s: no audio samples", input)
	}
	return buf, nil
}

// BytesToSamples converts little-endian float32 bytes to samples. A trailing
// partial sample is dropped.
func BytesToSamples(b []byte) []float32 {
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return samples
}

// SamplesToBytes converts float32 samples to little-endian bytes.
func SamplesToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}
