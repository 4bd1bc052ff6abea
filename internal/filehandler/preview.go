package filehandler

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Highlight colours for pixels at or past the solid-colour cutoffs.
var (
	previewBlack = color.RGBA{R: 0, G: 90, B: 255, A: 255}
	previewWhite = color.RGBA{R: 255, G: 40, B: 40, A: 255}
)

// PreviewName returns the file name of a session's solid-colour preview.
func PreviewName(sessionID string) string {
	return sessionID + "_depth_preview.png"
}

// UniformPreview is the first depth frame rendered with the pixels the
// solid-colour stage counts highlighted.
type UniformPreview struct {
	Name          string  `json:"name"`
	BlackFraction float64 `json:"black_fraction"`
	WhiteFraction float64 `json:"white_fraction"`
}

// UniformPreview writes PreviewName(sessionID) for assetPath. Pixels at or
// below black are painted blue and pixels at or above white red; the rest
// keep their gray level. Fractions are measured on the full-size frame.
func (g *ThumbnailGenerator) UniformPreview(ctx context.Context, assetPath, sessionID string, isVideo bool, black, white uint8) (*UniformPreview, error) {
	img, err := g.firstImage(ctx, assetPath, isVideo)
	if err != nil {
		return nil, fmt.Errorf("decode preview frame: %w", err)
	}

	gray := ToGray(img)
	hist := ComputeGrayHistogram(gray)
	b := gray.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := gray.GrayAt(x, y).Y
			c := color.RGBA{R: v, G: v, B: v, A: 255}
			switch {
			case v <= black:
				c = previewBlack
			case v >= white:
				c = previewWhite
			}
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}

	name := PreviewName(sessionID)
	if err := WritePNG(filepath.Join(g.Dir, name), ScaleToFit(out, g.MaxDimension)); err != nil {
		return nil, fmt.Errorf("write preview: %w", err)
	}

	p := &UniformPreview{
		Name:          name,
		BlackFraction: hist.FractionAtOrBelow(black),
		WhiteFraction: hist.FractionAtOrAbove(white),
	}
	log.Debug().
		Str("sessionId", sessionID).
		Uint8("black", black).
		Uint8("white", white).
		Float64("blackFraction", p.BlackFraction).
		Float64("whiteFraction", p.WhiteFraction).
		Msg("Solid-colour preview generated")
	return p, nil
}
