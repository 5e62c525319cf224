package render

import (
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
)

const (
	// VignetteStrength is the opacity of the darkening at the frame corners.
	VignetteStrength = 0.55
	// VignetteInner is the radius (fraction of the half-diagonal) inside
	// which the vignette is fully transparent.
	VignetteInner = 0.45
	vignetteStops = 12
)

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// vignetteAlpha is the darkening at normalized radius r (0 = center,
// 1 = corner).
func vignetteAlpha(r float64) float64 {
	return VignetteStrength * Smoothstep((r-VignetteInner)/(1-VignetteInner))
}

// newVignette renders the overlay once. It depends only on the frame size.
func newVignette(w, h int) image.Image {
	dc := gg.NewContext(w, h)
	cx, cy := float64(w)/2, float64(h)/2
	grad := gg.NewRadialGradient(cx, cy, 0, cx, cy, math.Hypot(cx, cy))
	for i := 0; i <= vignetteStops; i++ {
		r := float64(i) / vignetteStops
		grad.AddColorStop(r, color.RGBA{A: uint8(math.Round(255 * vignetteAlpha(r)))})
	}
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()
	return dc.Image()
}
