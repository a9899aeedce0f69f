package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

const DefaultAlpha = 0.5

// Heatmap upsamples a w×h grid of values in [0, 1] to size with bilinear
// interpolation and colors it with cmap.
func Heatmap(values []float32, w, h int, size image.Point, cmap Colormap) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 || len(values) != w*h {
		return nil, fmt.Errorf("heatmap: %d values do not form a %d×%d grid", len(values), w, h)
	}
	grid := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range values {
		grid.SetGray16(i%w, i/w, color.Gray16{Y: uint16(clamp01(float64(v))*65535 + 0.5)})
	}

	up := resize.Resize(uint(size.X), uint(size.Y), grid, resize.Bilinear)
	out := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	b := up.Bounds()
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			g := color.Gray16Model.Convert(up.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.SetNRGBA(x, y, cmap(float64(g.Y)/65535))
		}
	}
	return out, nil
}

// Blend lays overlay on top of base at the given opacity. The result has the
// dimensions of base.
func Blend(base, overlay image.Image, alpha float64) *image.NRGBA {
	canvas := imaging.Clone(base)
	return imaging.Overlay(canvas, overlay, image.Pt(0, 0), alpha)
}

// AttentionOverlay colors an attention grid, scales it to the glyph and
// blends it over the glyph at alpha.
func AttentionOverlay(glyph image.Image, values []float32, w, h int, cmap Colormap, alpha float64) (*image.NRGBA, error) {
	b := glyph.Bounds()
	heat, err := Heatmap(values, w, h, b.Size(), cmap)
	if err != nil {
		return nil, err
	}
	return Blend(glyph, heat, alpha), nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func DataURL(pngBytes []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
}
