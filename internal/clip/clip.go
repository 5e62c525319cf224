package clip

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Segment is one timed caption phrase (1-3 words).
type Segment struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"` // seconds
	End       float64 `json:"end"`   // seconds, > Start
	Highlight bool    `json:"highlight"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Contains reports whether t falls inside [Start, End].
func (s Segment) Contains(t float64) bool {
	return t >= s.Start && t <= s.End
}

// Clip is the generated metadata for one short video. It is never mutated
// after it has been handed to the compositor.
type Clip struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Script   string    `json:"script"`
	Segments []Segment `json:"segments"`

	// Duration is what the generator declared. The decoded narration
	// length takes precedence during playback.
	Duration float64 `json:"duration,omitempty"`

	NarrationAudio []byte `json:"narration_audio,omitempty"` // pre-supplied encoded audio (base64 in JSON)
	VideoPrompt    string `json:"video_prompt,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`  // pre-supplied streamable locator
	ImagePath      string `json:"image_path,omitempty"` // still image for the Ken Burns background
}

// Validate checks the fields the compositor depends on.
func (c Clip) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("clip id is empty")
	}
	for i, s := range c.Segments {
		if s.End <= s.Start {
			return fmt.Errorf("segment %d (%q): end %.3f must be after start %.3f", i, s.Text, s.End, s.Start)
		}
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must be >= 0")
	}
	return nil
}

// HasVideo reports whether the clip asks for a background video.
func (c Clip) HasVideo() bool {
	return c.VideoURL != "" || c.VideoPrompt != ""
}

// Load reads a clip from a JSON file.
func Load(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, err
	}
	var c Clip
	if err := json.Unmarshal(data, &c); err != nil {
		return Clip{}, fmt.Errorf("parse clip %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Clip{}, fmt.Errorf("clip %s: %w", path, err)
	}
	return c, nil
}

// FileStem turns the clip identity into a filesystem-safe name.
func (c Clip) FileStem() string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(c.ID)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	stem := strings.Trim(b.String(), "-")
	if stem == "" {
		return "clip"
	}
	return stem
}
