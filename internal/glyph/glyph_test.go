package glyph

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whiteCanvas(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Rect, image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func fill(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// crossGlyph draws a thick plus sign in dark ink.
func crossGlyph() *image.RGBA {
	img := whiteCanvas(100, 100)
	fill(img, image.Rect(45, 10, 56, 90), color.Black)
	fill(img, image.Rect(10, 45, 90, 56), color.Black)
	return img
}

func TestNormalizeIsDeterministic(t *testing.T) {
	img := crossGlyph()
	a, err := Normalize(img)
	require.NoError(t, err)
	b, err := Normalize(img)
	require.NoError(t, err)

	assert.Equal(t, a.Image.Pix, b.Image.Pix)
	assert.False(t, a.Degraded)
}

func TestNormalizeProducesCanonicalGlyph(t *testing.T) {
	g, err := Normalize(crossGlyph())
	require.NoError(t, err)

	require.Equal(t, image.Rect(0, 0, Size, Size), g.Image.Rect)
	assert.Zero(t, g.Image.GrayAt(0, 0).Y, "background must be zero")
	assert.Zero(t, g.Image.GrayAt(Size-1, Size-1).Y)
	assert.Equal(t, uint8(255), g.Image.GrayAt(Size/2, Size/2).Y, "stroke centre must be lit")
}

func TestNormalizeIgnoresPosition(t *testing.T) {
	left := whiteCanvas(200, 120)
	fill(left, image.Rect(10, 10, 40, 100), color.Black)
	right := whiteCanvas(200, 120)
	fill(right, image.Rect(150, 15, 180, 105), color.Black)

	a, err := Normalize(left)
	require.NoError(t, err)
	b, err := Normalize(right)
	require.NoError(t, err)
	assert.Equal(t, a.Image.Pix, b.Image.Pix)
}

func TestBlankImageFallsBack(t *testing.T) {
	img := whiteCanvas(120, 80)

	_, err := Normalize(img)
	var nerr *NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.ErrorIs(t, err, ErrNoGlyph)

	g, err := NormalizeOrFallback(img)
	require.NotNil(t, g)
	assert.Error(t, err)
	assert.True(t, g.Degraded)
	assert.Equal(t, image.Rect(0, 0, Size, Size), g.Image.Rect)
}

func TestSaltAndPepperNeverFails(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	img := whiteCanvas(160, 160)
	for i := 0; i < 160*160/10; i++ {
		img.Set(rng.Intn(160), rng.Intn(160), color.Black)
	}

	g, _ := NormalizeOrFallback(img)
	require.NotNil(t, g)
	assert.Equal(t, image.Rect(0, 0, Size, Size), g.Image.Rect)
}

func TestNilImageIsRejected(t *testing.T) {
	g, err := NormalizeOrFallback(nil)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestOtsuThreshold(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range g.Pix {
		g.Pix[i] = 50
		if i%2 == 0 {
			g.Pix[i] = 200
		}
	}
	th := OtsuThreshold(g)
	assert.GreaterOrEqual(t, th, uint8(50))
	assert.Less(t, th, uint8(200))

	uniform := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range uniform.Pix {
		uniform.Pix[i] = 128
	}
	assert.Equal(t, uint8(0), OtsuThreshold(uniform))
}

func TestBinarizeInverse(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 3, 1))
	copy(g.Pix, []uint8{10, 100, 101})
	out := BinarizeInverse(g, 100)
	assert.Equal(t, []uint8{255, 255, 0}, out.Pix)
}

func TestErode2x2(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 8, 8))
	fill(g, image.Rect(2, 2, 5, 5), color.Gray{Y: 255})
	g.SetGray(7, 0, color.Gray{Y: 255})

	out := Erode2x2(g)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := uint8(0)
			if x >= 3 && x <= 4 && y >= 3 && y <= 4 {
				want = 255
			}
			assert.Equal(t, want, out.GrayAt(x, y).Y, "pixel (%d,%d)", x, y)
		}
	}
}

func TestExternalContoursSkipsHoles(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 40, 40))
	white := color.Gray{Y: 255}
	fill(g, image.Rect(5, 5, 35, 35), white)
	fill(g, image.Rect(8, 8, 32, 32), color.Gray{})
	fill(g, image.Rect(15, 15, 25, 25), white)

	contours := ExternalContours(g)
	require.Len(t, contours, 1)
	assert.Equal(t, image.Rect(5, 5, 35, 35), contours[0].Bounds)
	assert.InDelta(t, 29*29, contours[0].Area, 1e-9)
}

func TestContourAreaOfRectangle(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 20, 20))
	fill(g, image.Rect(3, 4, 13, 9), color.Gray{Y: 255})

	contours := ExternalContours(g)
	require.Len(t, contours, 1)
	assert.InDelta(t, 9*4, contours[0].Area, 1e-9)
	assert.Len(t, contours[0].Points, 2*9+2*4)
}

func TestMergeNearMain(t *testing.T) {
	main := Contour{Bounds: image.Rect(20, 20, 60, 60), Area: 1500}
	diacritic := Contour{Bounds: image.Rect(65, 10, 75, 20), Area: 120}
	noise := Contour{Bounds: image.Rect(150, 150, 170, 170), Area: 300}

	box := mergeNearMain([]Contour{noise, main, diacritic})
	assert.Equal(t, image.Rect(20, 10, 75, 60), box)
}

func TestMergeNearMainMarginBoundary(t *testing.T) {
	main := Contour{Bounds: image.Rect(20, 20, 60, 60), Area: 1500}
	tests := []struct {
		name   string
		other  image.Rectangle
		merged bool
	}{
		{"right at margin", image.Rect(60+MergeMargin, 30, 80, 40), true},
		{"right past margin", image.Rect(60+MergeMargin+1, 30, 80, 40), false},
		{"left at margin", image.Rect(0, 30, 20-MergeMargin, 40), true},
		{"left past margin", image.Rect(0, 30, 20-MergeMargin-1, 40), false},
		{"below at margin", image.Rect(30, 60+MergeMargin, 40, 80), true},
		{"above past margin", image.Rect(30, 0, 40, 20-MergeMargin-1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := mergeNearMain([]Contour{main, {Bounds: tt.other, Area: 150}})
			if tt.merged {
				assert.Equal(t, main.Bounds.Union(tt.other), box)
			} else {
				assert.Equal(t, main.Bounds, box)
			}
		})
	}
}

func TestPadSquareCentresCrop(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 30, 30))
	fill(g, image.Rect(0, 0, 30, 30), color.Gray{Y: 255})

	sq := padSquare(g, image.Rect(0, 0, 20, 11))
	require.Equal(t, image.Rect(0, 0, 20, 20), sq.Rect)
	assert.Zero(t, sq.GrayAt(0, 3).Y)
	assert.Equal(t, uint8(255), sq.GrayAt(0, 4).Y)
	assert.Equal(t, uint8(255), sq.GrayAt(0, 14).Y)
	assert.Zero(t, sq.GrayAt(0, 15).Y)
}

func TestResizeAreaInterpolatesWhenEnlarging(t *testing.T) {
	small := image.NewGray(image.Rect(0, 0, 16, 16))
	fill(small, image.Rect(0, 0, 8, 16), color.Gray{Y: 255})

	up := resizeArea(small, Size)
	require.Equal(t, image.Rect(0, 0, Size, Size), up.Rect)
	var ramp int
	for _, v := range up.Pix {
		if v > 10 && v < 245 {
			ramp++
		}
	}
	assert.Positive(t, ramp, "edge is interpolated, not replicated")
	assert.Equal(t, uint8(255), up.GrayAt(2, 32).Y)
	assert.Zero(t, up.GrayAt(Size-3, 32).Y)

	big := image.NewGray(image.Rect(0, 0, 128, 128))
	fill(big, image.Rect(0, 0, 1, 128), color.Gray{Y: 255})
	down := resizeArea(big, Size)
	assert.InDelta(t, 127, down.GrayAt(0, 10).Y, 2, "downscaling averages 2×2 blocks")
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, crossGlyph()))

	img, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())

	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	img, err = Decode([]byte(url))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dy())

	for _, bad := range [][]byte{nil, []byte("not an image"), []byte("data:image/png,abc"), []byte("data:nocomma")} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidImage)
	}
}

func TestDecodeRejectsOversizedImages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, crossGlyph()))

	_, err := DecodeLimit(buf.Bytes(), 100*100-1)
	assert.ErrorIs(t, err, ErrInvalidImage)
	img, err := DecodeLimit(buf.Bytes(), 100*100)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())

	// a few kilobytes of PNG that would decode to ~9M pixels
	buf.Reset()
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 3000, 3000))))
	_, err = Decode(buf.Bytes())
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "3000x3000")
}

func TestPreview(t *testing.T) {
	g, err := Normalize(crossGlyph())
	require.NoError(t, err)
	url, err := g.Preview()
	require.NoError(t, err)
	assert.Contains(t, url, "data:image/png;base64,")
}
