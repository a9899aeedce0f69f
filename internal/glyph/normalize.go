// Package glyph turns photographed or drawn characters into the canonical
// 64×64 stroke bitmaps the networks are trained on.
package glyph

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

const (
	Size = 64

	// MinContourArea is the noise floor below which components are dropped.
	MinContourArea = 100
	// MergeMargin is how far, in pixels, a component's box may sit from the
	// main stroke's box and still be kept as part of the glyph.
	MergeMargin = 10
)

var ErrNoGlyph = errors.New("no glyph found")

// Glyph is a normalized character bitmap. Background pixels are 0 and
// strokes are non-zero.
type Glyph struct {
	Image *image.Gray
	// Degraded is set when the geometric pipeline failed and the image was
	// only resized.
	Degraded bool
}

// NormalizationError reports which pipeline stage rejected the input.
type NormalizationError struct {
	Stage string
	Err   error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("glyph normalization failed at %s: %v", e.Stage, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// Normalize runs the contour-based pipeline: grayscale, Otsu inverse
// threshold, 2×2 erosion, external contours above the noise floor, merge of
// the components near the largest one, crop, square pad and area resize.
func Normalize(img image.Image) (*Glyph, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &NormalizationError{Stage: "decode", Err: ErrInvalidImage}
	}
	gray := Grayscale(img)
	bin := BinarizeInverse(gray, OtsuThreshold(gray))
	bin = Erode2x2(bin)

	var kept []Contour
	for _, c := range ExternalContours(bin) {
		if c.Area > MinContourArea {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, &NormalizationError{Stage: "contours", Err: ErrNoGlyph}
	}

	box := mergeNearMain(kept)
	if box.Empty() {
		return nil, &NormalizationError{Stage: "bounding box", Err: ErrNoGlyph}
	}

	square := padSquare(bin, box)
	return &Glyph{Image: resizeArea(square, Size)}, nil
}

// mergeNearMain returns the union box of the largest contour and every other
// contour whose box lies within MergeMargin of it.
func mergeNearMain(contours []Contour) image.Rectangle {
	anchor := 0
	for i, c := range contours {
		if c.Area > contours[anchor].Area {
			anchor = i
		}
	}
	m := contours[anchor].Bounds
	box := m
	for i, c := range contours {
		if i == anchor {
			continue
		}
		b := c.Bounds
		far := b.Max.X < m.Min.X-MergeMargin || b.Min.X > m.Max.X+MergeMargin ||
			b.Max.Y < m.Min.Y-MergeMargin || b.Min.Y > m.Max.Y+MergeMargin
		if !far {
			box = box.Union(b)
		}
	}
	return box
}

// padSquare crops box out of bin and centres it on a black square whose
// side is the longer of the box dimensions.
func padSquare(bin *image.Gray, box image.Rectangle) *image.Gray {
	w, h := box.Dx(), box.Dy()
	side := max(w, h)
	square := image.NewGray(image.Rect(0, 0, side, side))
	offset := image.Pt((side-w)/2, (side-h)/2)
	draw.Draw(square, image.Rectangle{Min: offset, Max: offset.Add(box.Size())}, bin, box.Min, draw.Src)
	return square
}

// resizeArea downsamples with a box filter, averaging every source pixel
// that falls under a destination pixel. Enlarging interpolates bilinearly,
// as area resampling does when there is less than one source pixel per
// destination pixel.
func resizeArea(g *image.Gray, size int) *image.Gray {
	filter := imaging.Box
	if b := g.Bounds(); b.Dx() < size || b.Dy() < size {
		filter = imaging.Linear
	}
	return toGray(imaging.Resize(g, size, size, filter))
}

// Fallback resizes the grayscale image without any geometric normalization.
// It never fails on a decodable image.
func Fallback(img image.Image) *Glyph {
	gray := Grayscale(img)
	resized := resize.Resize(Size, Size, gray, resize.Bilinear)
	return &Glyph{Image: toGray(resized), Degraded: true}
}

// NormalizeOrFallback returns the normalized glyph, or the fallback glyph
// together with the normalization error that caused it.
func NormalizeOrFallback(img image.Image) (*Glyph, error) {
	g, err := Normalize(img)
	if err == nil {
		return g, nil
	}
	if img == nil || img.Bounds().Empty() {
		return nil, err
	}
	return Fallback(img), err
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// PNG encodes the glyph bitmap.
func (g *Glyph) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, g.Image); err != nil {
		return nil, fmt.Errorf("failed to encode glyph: %w", err)
	}
	return buf.Bytes(), nil
}

// Preview returns the glyph as a PNG data URL.
func (g *Glyph) Preview() (string, error) {
	raw, err := g.PNG()
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw), nil
}
