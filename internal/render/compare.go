package render

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	ComparisonSize = 256

	UserOpacity      = 0.8
	ReferenceOpacity = 1.0
)

var (
	ReferenceInk = color.NRGBA{60, 60, 60, 255}
	UserInk      = color.NRGBA{220, 40, 40, 255}
)

// ComparisonSet holds the three images shown to a learner: the reference
// and their own attempt as dark ink on paper, and both superimposed.
type ComparisonSet struct {
	Reference *image.NRGBA
	User      *image.NRGBA
	Overlay   *image.NRGBA
}

// Comparison renders two normalized glyphs (bright strokes on black) at
// ComparisonSize. Reference strokes are drawn first at full opacity in
// ReferenceInk, user strokes on top at UserOpacity in UserInk.
func Comparison(user, reference image.Image) *ComparisonSet {
	userMask := strokeMask(user, UserOpacity)
	refMask := strokeMask(reference, ReferenceOpacity)

	set := &ComparisonSet{
		Reference: paper(),
		User:      paper(),
		Overlay:   paper(),
	}
	ink := func(dst *image.NRGBA, c color.NRGBA, mask *image.Alpha) {
		draw.DrawMask(dst, dst.Rect, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
	}
	ink(set.Reference, color.NRGBA{0, 0, 0, 255}, refMask)
	ink(set.User, color.NRGBA{0, 0, 0, 255}, strokeMask(user, 1))
	ink(set.Overlay, ReferenceInk, refMask)
	ink(set.Overlay, UserInk, userMask)
	return set
}

func paper() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, ComparisonSize, ComparisonSize))
	draw.Draw(img, img.Rect, image.White, image.Point{}, draw.Src)
	return img
}

// strokeMask resizes a glyph with Lanczos3 and turns stroke brightness into
// coverage scaled by opacity.
func strokeMask(g image.Image, opacity float64) *image.Alpha {
	resized := resize.Resize(ComparisonSize, ComparisonSize, g, resize.Lanczos3)
	b := resized.Bounds()
	mask := image.NewAlpha(image.Rect(0, 0, ComparisonSize, ComparisonSize))
	for y := 0; y < ComparisonSize; y++ {
		for x := 0; x < ComparisonSize; x++ {
			v := color.GrayModel.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			mask.Pix[y*mask.Stride+x] = uint8(float64(v)*opacity + 0.5)
		}
	}
	return mask
}

var (
	fontOnce sync.Once
	goFont   *truetype.Font
	fontErr  error
)

func captionFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		goFont, fontErr = freetype.ParseFont(goregular.TTF)
	})
	return goFont, fontErr
}

const captionSize = 14

// Caption writes text in the top-left corner of img.
func Caption(img draw.Image, text string) error {
	f, err := captionFont()
	if err != nil {
		return fmt.Errorf("failed to load caption font: %w", err)
	}
	ctx := freetype.NewContext()
	ctx.SetDPI(72)
	ctx.SetFont(f)
	ctx.SetFontSize(captionSize)
	ctx.SetClip(img.Bounds())
	ctx.SetDst(img)
	ctx.SetSrc(image.Black)
	ctx.SetHinting(font.HintingFull)

	pt := freetype.Pt(img.Bounds().Min.X+6, img.Bounds().Min.Y+6+captionSize)
	if _, err := ctx.DrawString(text, pt); err != nil {
		return fmt.Errorf("failed to draw caption: %w", err)
	}
	return nil
}
