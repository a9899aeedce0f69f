package glyph

import (
	"image"
	"math"
)

// Contour is the outer boundary of one 8-connected foreground component.
type Contour struct {
	Points []image.Point
	// Bounds is the half-open box enclosing the component.
	Bounds image.Rectangle
	Area   float64
}

// chain directions, clockwise in image coordinates starting east.
var directions = [8]image.Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

const dirWest = 4

// ExternalContours returns the outer boundary of every foreground component
// of bin that does not lie inside a hole of another component, in raster
// order of each component's first pixel.
func ExternalContours(bin *image.Gray) []Contour {
	w, h := bin.Rect.Dx(), bin.Rect.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	fg := func(x, y int) bool { return bin.Pix[y*bin.Stride+x] != 0 }

	labels, starts := labelComponents(w, h, fg)
	outer := outerBackground(w, h, fg)

	external := make([]bool, len(starts))
	bounds := make([]image.Rectangle, len(starts))
	for i, p := range starts {
		bounds[i] = image.Rectangle{Min: p, Max: p.Add(image.Pt(1, 1))}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := labels[y*w+x]
			if l < 0 {
				continue
			}
			bounds[l] = bounds[l].Union(image.Rect(x, y, x+1, y+1))
			if external[l] {
				continue
			}
			for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+d.X, y+d.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h || outer[ny*w+nx] {
					external[l] = true
					break
				}
			}
		}
	}

	var out []Contour
	for l, start := range starts {
		if !external[l] {
			continue
		}
		inside := func(p image.Point) bool {
			return p.X >= 0 && p.Y >= 0 && p.X < w && p.Y < h && labels[p.Y*w+p.X] == l
		}
		pts := traceBoundary(start, inside)
		out = append(out, Contour{Points: pts, Bounds: bounds[l], Area: polygonArea(pts)})
	}
	return out
}

// labelComponents assigns each 8-connected foreground component an index.
// Background pixels are labelled -1. starts holds each component's first
// pixel in raster order.
func labelComponents(w, h int, fg func(x, y int) bool) (labels []int, starts []image.Point) {
	labels = make([]int, w*h)
	for i := range labels {
		labels[i] = -1
	}
	var stack []image.Point
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !fg(x, y) || labels[y*w+x] >= 0 {
				continue
			}
			l := len(starts)
			starts = append(starts, image.Pt(x, y))
			labels[y*w+x] = l
			stack = append(stack[:0], image.Pt(x, y))
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				for _, d := range directions {
					nx, ny := p.X+d.X, p.Y+d.Y
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if labels[ny*w+nx] >= 0 || !fg(nx, ny) {
						continue
					}
					labels[ny*w+nx] = l
					stack = append(stack, image.Pt(nx, ny))
				}
			}
		}
	}
	return labels, starts
}

// outerBackground marks background pixels 4-connected to the image border.
// Background not reached is a hole.
func outerBackground(w, h int, fg func(x, y int) bool) []bool {
	outer := make([]bool, w*h)
	var stack []image.Point
	seed := func(x, y int) {
		if !fg(x, y) && !outer[y*w+x] {
			outer[y*w+x] = true
			stack = append(stack, image.Pt(x, y))
		}
	}
	for x := 0; x < w; x++ {
		seed(x, 0)
		seed(x, h-1)
	}
	for y := 0; y < h; y++ {
		seed(0, y)
		seed(w-1, y)
	}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := p.X+d.X, p.Y+d.Y
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			seed(nx, ny)
		}
	}
	return outer
}

// traceBoundary follows the outer boundary clockwise from start, which must
// be the component's first pixel in raster order.
func traceBoundary(start image.Point, inside func(image.Point) bool) []image.Point {
	pts := []image.Point{start}

	next := func(p image.Point, from int) (int, bool) {
		for i := 0; i < 8; i++ {
			d := (from + i) % 8
			if inside(p.Add(directions[d])) {
				return d, true
			}
		}
		return 0, false
	}

	first, ok := next(start, dirWest)
	if !ok {
		return pts
	}
	p, d := start.Add(directions[first]), first
	// bounded by the number of boundary moves any component can produce
	for limit := 0; limit < 1<<24; limit++ {
		from := (d + 6) % 8
		if d%2 == 1 {
			from = (d + 5) % 8
		}
		nd, _ := next(p, from)
		if p == start && nd == first {
			break
		}
		pts = append(pts, p)
		p, d = p.Add(directions[nd]), nd
	}
	return pts
}

// polygonArea is the shoelace area of the closed polygon pts.
func polygonArea(pts []image.Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	var sum int
	for i, p := range pts {
		q := pts[(i+1)%len(pts)]
		sum += p.X*q.Y - q.X*p.Y
	}
	return math.Abs(float64(sum)) / 2
}
