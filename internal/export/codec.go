package export

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Codec is one container/encoder combination the recorder can produce.
type Codec struct {
	Name         string
	MIME         string
	Ext          string
	Format       string // ffmpeg muxer
	VideoEncoder string // empty: muxer default
	AudioEncoder string
	Args         []string // extra encoder options
}

// Preferred is the ranked list tried before Fallback.
var Preferred = []Codec{
	{
		Name:         "vp9+opus",
		MIME:         "video/webm;codecs=vp9,opus",
		Ext:          ".webm",
		Format:       "webm",
		VideoEncoder: "libvpx-vp9",
		AudioEncoder: "libopus",
		Args:         []string{"-deadline", "realtime", "-cpu-used", "8", "-row-mt", "1", "-b:v", "2500k", "-b:a", "128k"},
	},
	{
		Name:         "vp8+opus",
		MIME:         "video/webm;codecs=vp8,opus",
		Ext:          ".webm",
		Format:       "webm",
		VideoEncoder: "libvpx",
		AudioEncoder: "libopus",
		Args:         []string{"-deadline", "realtime", "-cpu-used", "8", "-b:v", "2500k", "-b:a", "128k"},
	},
	{
		Name:         "h264+aac",
		MIME:         "video/mp4;codecs=avc1,mp4a",
		Ext:          ".mp4",
		Format:       "mp4",
		VideoEncoder: "libx264",
		AudioEncoder: "aac",
		Args:         []string{"-preset", "veryfast", "-tune", "zerolatency", "-b:a", "160k", "-movflags", "frag_keyframe+empty_moov"},
	},
}

// Fallback lets ffmpeg pick the webm muxer's default encoders.
var Fallback = Codec{
	Name:   "webm",
	MIME:   "video/webm",
	Ext:    ".webm",
	Format: "webm",
}

// CapabilityFunc reports whether the encoder backend can produce a codec.
type CapabilityFunc func(Codec) bool

// Select returns the first candidate supported reports true for, or
// Fallback. A nil supported explicitly supports nothing.
func Select(candidates []Codec, supported CapabilityFunc) Codec {
	if supported == nil {
		return Fallback
	}
	for _, c := range candidates {
		if supported(c) {
			return c
		}
	}
	return Fallback
}

// FFmpegCapabilities asks ffmpeg which encoders it was built with.
func FFmpegCapabilities(ctx context.Context, ffmpeg string) (CapabilityFunc, error) {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	out, err := exec.CommandContext(ctx, ffmpeg, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("list ffmpeg encoders: %w", err)
	}
	encoders := parseEncoders(out)
	return func(c Codec) bool {
		return encoders[c.VideoEncoder] && encoders[c.AudioEncoder]
	}, nil
}

// parseEncoders reads the name column of `ffmpeg -encoders`, e.g.
//
//	V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}
