package references

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/ranjana-api/internal/glyph"
)

// Invert flips every color channel and keeps alpha, turning ink-on-paper
// scans into the bright-stroke form and back.
func Invert(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.SetNRGBA(x, y, color.NRGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: c.A})
		}
	}
	return out
}

// InvertDir writes an inverted copy of every PNG in src into dst and returns
// the names it processed. Files that fail are reported but do not stop the
// run.
func InvertDir(src, dst string) (done []string, failed map[string]error, err error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	failed = map[string]error{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".png") {
			continue
		}
		if err := invertFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			failed[name] = err
			continue
		}
		done = append(done, name)
	}
	sort.Strings(done)
	return done, failed, nil
}

func invertFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	img, err := glyph.Decode(raw)
	if err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := png.Encode(f, Invert(img)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
