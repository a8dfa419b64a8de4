// Package overlay paints detection boxes and labels over the source image.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/firewatch/pkg/i18n"
	"github.com/menta2k/firewatch/pkg/types"
)

var (
	Red    = color.RGBA{255, 0, 0, 255}
	Yellow = color.RGBA{255, 255, 0, 255}
)

// Fallback surface size used when the image cannot be decoded
const (
	FallbackWidth  = 300
	FallbackHeight = 150
)

const errorFontSize = 16

// Box is the pixel geometry computed for one detection
type Box struct {
	// X, Y, W, H is the stroked rectangle. W and H may be negative.
	X, Y, W, H float64
	Color      color.RGBA
	Label      string
	// LabelX, LabelY is the label's left baseline point
	LabelX, LabelY float64
}

// Frame is the outcome of a render
type Frame struct {
	Image *image.RGBA
	Boxes []Box
	// LineWidth and FontSize are the scaled stroke and label sizes
	LineWidth float64
	FontSize  float64
	// Err is set when the source could not be decoded and Image holds the
	// error surface instead
	Err error
}

// Renderer draws detections. The zero value is not usable; use New.
type Renderer struct {
	fallbackW, fallbackH int
	log                  zerolog.Logger
}

// New creates a renderer
func New(log zerolog.Logger) *Renderer {
	return &Renderer{fallbackW: FallbackWidth, fallbackH: FallbackHeight, log: log}
}

// WithFallbackSize sets the error surface size
func (r *Renderer) WithFallbackSize(w, h int) *Renderer {
	if w > 0 && h > 0 {
		r.fallbackW, r.fallbackH = w, h
	}
	return r
}

// Render decodes data and draws detections over it. Decode failures never
// surface as errors: the frame then carries a cleared surface with a
// centered message and Frame.Err is set.
func (r *Renderer) Render(data []byte, detections []types.Detection, lang i18n.Language) Frame {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		r.log.Warn().Err(err).Int("bytes", len(data)).Msg("failed to decode image for overlay")
		return r.errorFrame(lang, fmt.Errorf("decode image: %w", err))
	}
	return r.Draw(img, detections, lang)
}

// Draw paints img 1:1 onto a new surface of the same size and strokes every
// detection on top of it
func (r *Renderer) Draw(img image.Image, detections []types.Detection, lang i18n.Language) (frame Frame) {
	if img == nil || img.Bounds().Empty() {
		return r.errorFrame(lang, fmt.Errorf("empty image"))
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("overlay drawing failed")
			frame = r.errorFrame(lang, fmt.Errorf("draw overlay: %v", p))
		}
	}()

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	surface := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(surface, surface.Bounds(), img, b.Min, draw.Src)

	boxes := Layout(detections, w, h, i18n.For(lang))
	lineWidth := LineWidth(w, h)
	fontSize := FontSize(h)

	dc := gg.NewContextForRGBA(surface)
	dc.SetLineWidth(lineWidth)
	dc.SetFontFace(face(fontSize))
	for _, box := range boxes {
		if !finite(box.X, box.Y, box.W, box.H, box.LabelX, box.LabelY) {
			r.log.Debug().Str("label", box.Label).Msg("skipping box with non-finite coordinates")
			continue
		}
		dc.SetColor(box.Color)
		x0, y0 := clampTo(box.X, w), clampTo(box.Y, h)
		x1, y1 := clampTo(box.X+box.W, w), clampTo(box.Y+box.H, h)
		dc.DrawRectangle(x0, y0, x1-x0, y1-y0)
		dc.Stroke()
		dc.DrawString(box.Label, clampTo(box.LabelX, w), clampTo(box.LabelY, h))
	}

	return Frame{Image: surface, Boxes: boxes, LineWidth: lineWidth, FontSize: fontSize}
}

// errorFrame clears a fallback surface and centers the localized message
func (r *Renderer) errorFrame(lang i18n.Language, cause error) Frame {
	w, h := r.fallbackW, r.fallbackH
	surface := image.NewRGBA(image.Rect(0, 0, w, h))
	dc := gg.NewContextForRGBA(surface)
	dc.SetFontFace(face(errorFontSize))
	dc.SetColor(Red)
	dc.DrawStringAnchored(i18n.For(lang).ErrorLoadingImage, float64(w)/2, float64(h)/2, 0.5, 0.5)
	return Frame{Image: surface, FontSize: errorFontSize, Err: cause}
}

// clampTo keeps v within one surface size of the visible area. Edges outside
// the surface stay outside, the rasterizer just never sees huge values.
func clampTo(v float64, size int) float64 {
	s := float64(size)
	return math.Max(-s, math.Min(2*s, v))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// LineWidth is the stroke width for a w x h surface
func LineWidth(w, h int) float64 {
	return math.Max(2, float64(min(w, h))*0.005)
}

// FontSize is the label size in pixels for a surface of height h
func FontSize(h int) float64 {
	return math.Max(12, float64(h)*0.02)
}

// Layout converts normalized detections into pixel boxes. Reversed or out of
// range coordinates are kept as computed.
func Layout(detections []types.Detection, w, h int, s i18n.Strings) []Box {
	fw, fh := float64(w), float64(h)
	labelDrop := math.Max(15, fh*0.025)

	boxes := make([]Box, 0, len(detections))
	for _, d := range detections {
		bb := d.BoundingBox
		box := Box{
			X:     bb.X1 * fw,
			Y:     bb.Y1 * fh,
			W:     bb.Width() * fw,
			H:     bb.Height() * fh,
			Color: Yellow,
			Label: strings.ToUpper(s.Smoke),
		}
		if d.Type == types.Fire {
			box.Color = Red
			box.Label = strings.ToUpper(s.Fire)
		}

		box.LabelX = box.X + 5
		if box.LabelX >= fw-50 {
			box.LabelX = box.X - 50
		}
		box.LabelY = box.Y + labelDrop
		if box.LabelY >= fh-5 {
			box.LabelY = box.Y - 5
		}
		boxes = append(boxes, box)
	}
	return boxes
}

var (
	fontOnce sync.Once
	fontTT   *truetype.Font
)

// face returns a Go Regular face at size pixels. Faces keep glyph caches and
// are not safe for concurrent use, so every render gets its own.
func face(size float64) font.Face {
	fontOnce.Do(func() {
		f, err := truetype.Parse(goregular.TTF)
		if err != nil {
			panic(fmt.Sprintf("overlay: parse embedded font: %v", err))
		}
		fontTT = f
	})
	return truetype.NewFace(fontTT, &truetype.Options{Size: size, Hinting: font.HintingFull})
}
