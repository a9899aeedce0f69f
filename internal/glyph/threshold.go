package glyph

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Grayscale flattens img onto a white canvas and converts it to BT.601 luma.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), color.White)
	canvas = imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
	luma := imaging.Grayscale(canvas)

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := luma.Pix[y*luma.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst[x] = src[x*4]
		}
	}
	return out
}

// OtsuThreshold picks the histogram split maximizing between-class variance.
// A single-valued image yields 0.
func OtsuThreshold(g *image.Gray) uint8 {
	var hist [256]int
	w, h := g.Rect.Dx(), g.Rect.Dy()
	for y := 0; y < h; y++ {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+w] {
			hist[v]++
		}
	}
	total := float64(w * h)
	if total == 0 {
		return 0
	}

	scale := 1 / total
	var mu float64
	for i, n := range hist {
		mu += float64(i) * float64(n)
	}
	mu *= scale

	var mu1, q1, maxSigma float64
	best := 0
	for i, n := range hist {
		p := float64(n) * scale
		mu1 *= q1
		q1 += p
		q2 := 1 - q1
		if math.Min(q1, q2) < flt32Epsilon || math.Max(q1, q2) > 1-flt32Epsilon {
			continue
		}
		mu1 = (mu1 + float64(i)*p) / q1
		mu2 := (mu - q1*mu1) / q2
		sigma := q1 * q2 * (mu1 - mu2) * (mu1 - mu2)
		if sigma > maxSigma {
			maxSigma = sigma
			best = i
		}
	}
	return uint8(best)
}

// flt32Epsilon is the float32 machine epsilon.
const flt32Epsilon = 1.1920928955078125e-07

// BinarizeInverse maps pixels above t to 0 and the rest to 255, so dark ink
// on a light background becomes bright strokes on black.
func BinarizeInverse(g *image.Gray, t uint8) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := g.Pix[y*g.Stride : y*g.Stride+w]
		dst := out.Pix[y*out.Stride : y*out.Stride+w]
		for x, v := range src {
			if v <= t {
				dst[x] = 255
			}
		}
	}
	return out
}

// Erode2x2 applies one pass of grayscale erosion with a 2×2 structuring
// element anchored at its bottom-right cell. Samples outside the image are
// ignored.
func Erode2x2(g *image.Gray) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	at := func(x, y int) uint8 { return g.Pix[y*g.Stride+x] }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := at(x, y)
			if x > 0 {
				m = min(m, at(x-1, y))
			}
			if y > 0 {
				m = min(m, at(x, y-1))
				if x > 0 {
					m = min(m, at(x-1, y-1))
				}
			}
			out.Pix[y*out.Stride+x] = m
		}
	}
	return out
}
