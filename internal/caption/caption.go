// Package caption selects the caption visible at a timestamp and computes
// how it should be drawn.
package caption

import (
	"image/color"
	"math"
	"strings"

	"github.com/satindergrewal/reelcast/internal/clip"
)

const (
	// PopBoost is the extra scale a highlighted caption starts with.
	PopBoost = 0.2
	// PopWindow is the fraction of a segment's length over which the
	// highlight pop settles.
	PopWindow = 0.25
	// popTimeConstants is how many exponential time constants fit in
	// PopWindow; three leaves under 5% of the boost.
	popTimeConstants = 3
	// StrokeRatio is the outline width relative to the font size.
	StrokeRatio = 0.12
	// VerticalPosition is where the caption baseline sits, as a fraction of frame height.
	VerticalPosition = 0.60
)

var (
	AccentColor  = color.RGBA{R: 0xFA, G: 0xCC, B: 0x15, A: 0xFF}
	NeutralColor = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	StrokeColor  = color.RGBA{A: 0xFF}
)

// Style is everything the compositor needs to draw one caption.
type Style struct {
	Text        string
	Scale       float64 // 1.0 = base size
	Fill        color.RGBA
	Stroke      color.RGBA
	StrokeRatio float64
}

// Active returns the segment containing t. When segments overlap, the first
// one in slice order wins.
func Active(segments []clip.Segment, t float64) (clip.Segment, bool) {
	for _, s := range segments {
		if s.Contains(t) {
			return s, true
		}
	}
	return clip.Segment{}, false
}

// Animate maps a timestamp inside seg to its drawing parameters.
func Animate(t float64, seg clip.Segment) Style {
	st := Style{
		Text:        strings.ToUpper(seg.Text),
		Scale:       1,
		Fill:        NeutralColor,
		Stroke:      StrokeColor,
		StrokeRatio: StrokeRatio,
	}
	if !seg.Highlight {
		return st
	}

	st.Fill = AccentColor
	progress := 0.0
	if d := seg.Duration(); d > 0 {
		progress = (t - seg.Start) / d
	}
	if progress < 0 {
		progress = 0
	}
	// Exponential settle: +20% at the start, under 1% extra once PopWindow
	// has passed, approaching 1.0 without ever undershooting.
	st.Scale = 1 + PopBoost*math.Exp(-popTimeConstants*progress/PopWindow)
	return st
}

// At combines Active and Animate.
func At(segments []clip.Segment, t float64) (Style, bool) {
	seg, ok := Active(segments, t)
	if !ok {
		return Style{}, false
	}
	return Animate(t, seg), true
}
