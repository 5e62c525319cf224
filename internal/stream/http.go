package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/satindergrewal/reelcast/internal/audio"
)

// HTTPHandler serves the master mix as a chunked MP3 stream for plain
// <audio> elements. Each connection gets its own ffmpeg encoder.
type HTTPHandler struct {
	broadcaster *Broadcaster
	ffmpeg      string
}

// NewHTTPHandler creates an MP3 stream handler.
func NewHTTPHandler(b *Broadcaster, ffmpeg string) *HTTPHandler {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &HTTPHandler{broadcaster: b, ffmpeg: ffmpeg}
}

func mp3Args() []string {
	return []string{
		"-f", "f32le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", "192k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

// encoder is one running ffmpeg MP3 process.
type encoder struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

func (h *HTTPHandler) startEncoder(ctx context.Context) (*encoder, error) {
	cmd := exec.CommandContext(ctx, h.ffmpeg, mp3Args()...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &encoder{cmd: cmd, in: in, out: out}, nil
}

// feed writes listener frames into the encoder until either side stops.
func feed(ctx context.Context, l *Listener, in io.WriteCloser) {
	defer in.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Done():
			return
		case frame, ok := <-l.C:
			if !ok {
				return
			}
			if _, err := in.Write(audio.SamplesToBytes(frame)); err != nil {
				return
			}
		}
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	enc, err := h.startEncoder(ctx)
	if err != nil {
		log.Printf("HTTP stream: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	defer enc.cmd.Wait()
	defer cancel()

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/mpeg")
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Connection", "close")
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("ICY-Name", "reelcast preview")

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)
	log.Printf("HTTP listener connected (total: %d)", h.broadcaster.ListenerCount())

	go feed(ctx, listener, enc.in)

	buf := make([]byte, 4096)
	for {
		n, err := enc.out.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("HTTP stream: ffmpeg read error: %v", err)
			}
			break
		}
	}
	log.Printf("HTTP listener disconnected")
}
