// Package render draws the images returned to clients: attention heatmaps,
// stroke comparison overlays and their captions.
package render

import (
	"fmt"
	"image/color"
	"math"
)

// Colormap maps a value in [0, 1] to a color.
type Colormap func(v float64) color.NRGBA

var viridisStops = [...]color.NRGBA{
	{68, 1, 84, 255},
	{72, 36, 117, 255},
	{65, 68, 135, 255},
	{53, 95, 141, 255},
	{42, 120, 142, 255},
	{33, 145, 140, 255},
	{34, 168, 132, 255},
	{68, 191, 112, 255},
	{122, 209, 81, 255},
	{189, 223, 38, 255},
	{253, 231, 37, 255},
}

// Viridis is the perceptually uniform matplotlib map, linearly
// interpolated between 11 stops.
func Viridis(v float64) color.NRGBA {
	v = clamp01(v)
	pos := v * float64(len(viridisStops)-1)
	i := int(pos)
	if i >= len(viridisStops)-1 {
		return viridisStops[len(viridisStops)-1]
	}
	f := pos - float64(i)
	a, b := viridisStops[i], viridisStops[i+1]
	return color.NRGBA{
		R: lerp(a.R, b.R, f),
		G: lerp(a.G, b.G, f),
		B: lerp(a.B, b.B, f),
		A: 255,
	}
}

// Jet is the classic rainbow map: blue through cyan, yellow and red.
func Jet(v float64) color.NRGBA {
	v = clamp01(v)
	ch := func(offset float64) uint8 {
		return uint8(math.Round(255 * clamp01(1.5-math.Abs(4*v-offset))))
	}
	return color.NRGBA{R: ch(3), G: ch(2), B: ch(1), A: 255}
}

func ColormapByName(name string) (Colormap, error) {
	switch name {
	case "", "viridis":
		return Viridis, nil
	case "jet":
		return Jet, nil
	}
	return nil, fmt.Errorf("unknown colormap %q", name)
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
