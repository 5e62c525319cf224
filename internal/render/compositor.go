// Package render draws composited frames: background, vignette and the
// animated caption for a timestamp.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"

	"github.com/satindergrewal/reelcast/internal/caption"
	"github.com/satindergrewal/reelcast/internal/clip"
)

const (
	// MaxZoom caps the Ken Burns zoom on still backgrounds.
	MaxZoom = 1.15
	// FontRatio is the caption font size relative to frame width.
	FontRatio = 0.11
	// MaxTextWidth is the widest a caption may get, as a fraction of frame width.
	MaxTextWidth = 0.9
	strokeSteps  = 16
)

var (
	gradientTop    = color.RGBA{R: 0x1E, G: 0x1B, B: 0x4B, A: 0xFF}
	gradientBottom = color.RGBA{R: 0x0B, G: 0x0A, B: 0x14, A: 0xFF}
)

// Background is the layer under the vignette. Video wins over Still; both
// nil means the gradient fallback.
type Background struct {
	Video image.Image
	Still image.Image
}

// Compositor renders frames of a fixed size. Output depends only on the
// arguments to RenderFrame. Not safe for concurrent use.
type Compositor struct {
	width    int
	height   int
	fontSize float64
	face     font.Face
	dc       *gg.Context
	vignette image.Image
	fallback image.Image
}

// NewCompositor prepares the font face and the size-dependent overlays.
func NewCompositor(width, height int) (*Compositor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse caption font: %w", err)
	}
	size := math.Max(8, float64(width)*FontRatio)
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("caption font face: %w", err)
	}

	c := &Compositor{
		width:    width,
		height:   height,
		fontSize: size,
		face:     face,
		dc:       gg.NewContext(width, height),
		vignette: newVignette(width, height),
	}
	c.fallback = c.gradient()
	return c, nil
}

// Size returns the output dimensions.
func (c *Compositor) Size() (int, int) {
	return c.width, c.height
}

// RenderFrame draws the frame for timestamp t of a clip lasting total
// seconds. The returned image is a fresh copy owned by the caller.
func (c *Compositor) RenderFrame(t, total float64, segments []clip.Segment, bg Background) *image.RGBA {
	dc := c.dc
	dc.Identity()
	dc.ResetClip()

	switch {
	case bg.Video != nil:
		c.drawCover(bg.Video, 1)
	case bg.Still != nil:
		c.drawCover(bg.Still, KenBurnsZoom(t, total))
	default:
		dc.DrawImage(c.fallback, 0, 0)
	}

	dc.DrawImage(c.vignette, 0, 0)

	if st, ok := caption.At(segments, t); ok {
		c.drawCaption(st)
	}

	src := dc.Image().(*image.RGBA)
	out := image.NewRGBA(src.Rect)
	copy(out.Pix, src.Pix)
	return out
}

func (c *Compositor) drawCover(img image.Image, zoom float64) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		c.dc.DrawImage(c.fallback, 0, 0)
		return
	}
	s := CoverScale(b.Dx(), b.Dy(), c.width, c.height) * zoom
	dc := c.dc
	// Clear first so a partially transparent source does not show the
	// previous frame.
	dc.SetColor(gradientBottom)
	dc.Clear()
	dc.Push()
	dc.Translate(float64(c.width)/2, float64(c.height)/2)
	dc.Scale(s, s)
	dc.DrawImageAnchored(img, 0, 0, 0.5, 0.5)
	dc.Pop()
}

func (c *Compositor) drawCaption(st caption.Style) {
	dc := c.dc
	dc.SetFontFace(c.face)
	w, _ := dc.MeasureString(st.Text)
	scale := st.Scale
	if limit := float64(c.width) * MaxTextWidth; w*scale > limit && w > 0 {
		scale = limit / w
	}

	cx := float64(c.width) / 2
	cy := float64(c.height) * caption.VerticalPosition
	stroke := c.fontSize * st.StrokeRatio

	dc.Push()
	dc.ScaleAbout(scale, scale, cx, cy)
	dc.SetColor(st.Stroke)
	for i := 0; i < strokeSteps; i++ {
		a := 2 * math.Pi * float64(i) / strokeSteps
		dc.DrawStringAnchored(st.Text, cx+stroke*math.Cos(a), cy+stroke*math.Sin(a), 0.5, 0.5)
	}
	dc.SetColor(st.Fill)
	dc.DrawStringAnchored(st.Text, cx, cy, 0.5, 0.5)
	dc.Pop()
}

func (c *Compositor) gradient() image.Image {
	dc := gg.NewContext(c.width, c.height)
	grad := gg.NewLinearGradient(0, 0, 0, float64(c.height))
	grad.AddColorStop(0, gradientTop)
	grad.AddColorStop(1, gradientBottom)
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, float64(c.width), float64(c.height))
	dc.Fill()
	return dc.Image()
}

// CoverScale is the factor that makes a src-sized image fully cover a
// dst-sized frame while preserving aspect ratio.
func CoverScale(srcW, srcH, dstW, dstH int) float64 {
	return math.Max(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
}

// KenBurnsZoom is the still-image zoom at t of total seconds, growing
// linearly from 1 to MaxZoom.
func KenBurnsZoom(t, total float64) float64 {
	if total <= 0 {
		return 1
	}
	p := math.Min(math.Max(t/total, 0), 1)
	return 1 + (MaxZoom-1)*p
}
