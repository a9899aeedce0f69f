//go:build opencv

package glyph

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// NormalizeOpenCV runs the same pipeline as Normalize through OpenCV. It is
// only built with the opencv tag and serves as the reference the pure Go
// path is checked against.
func NormalizeOpenCV(img image.Image) (*Glyph, error) {
	gray, err := gocv.ImageGrayToMatGray(Grayscale(img))
	if err != nil {
		return nil, &NormalizationError{Stage: "decode", Err: err}
	}
	defer gray.Close()

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(gray, &bin, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(2, 2))
	defer kernel.Close()
	eroded := gocv.NewMat()
	defer eroded.Close()
	gocv.Erode(bin, &eroded, kernel)

	contours := gocv.FindContours(eroded, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var kept []Contour
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area <= MinContourArea {
			continue
		}
		kept = append(kept, Contour{Bounds: gocv.BoundingRect(c), Area: area})
	}
	if len(kept) == 0 {
		return nil, &NormalizationError{Stage: "contours", Err: ErrNoGlyph}
	}
	box := mergeNearMain(kept)

	crop := eroded.Region(box)
	defer crop.Close()
	side := max(box.Dx(), box.Dy())
	square := gocv.Zeros(side, side, gocv.MatTypeCV8U)
	defer square.Close()
	offset := image.Pt((side-box.Dx())/2, (side-box.Dy())/2)
	roi := square.Region(image.Rectangle{Min: offset, Max: offset.Add(box.Size())})
	crop.CopyTo(&roi)
	roi.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(square, &resized, image.Pt(Size, Size), 0, 0, gocv.InterpolationArea)

	out, err := resized.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert resized glyph: %w", err)
	}
	return &Glyph{Image: toGray(out)}, nil
}
