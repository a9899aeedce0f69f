package glyph

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrInvalidImage = errors.New("invalid image")

const (
	dataURLPrefix = "data:"

	// DefaultMaxPixels bounds the decoded size of an upload. The normalizer
	// keeps several full-resolution buffers alive at once.
	DefaultMaxPixels = 8 << 20
)

// Decode parses raw image bytes or a base64 "data:image/...;base64," URL,
// rejecting images larger than DefaultMaxPixels.
func Decode(data []byte) (image.Image, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit is Decode with a caller-chosen pixel cap. The dimensions are
// read from the header before any pixel data is decoded. maxPixels <= 0
// means DefaultMaxPixels.
func DecodeLimit(data []byte, maxPixels int) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	if bytes.HasPrefix(data, []byte(dataURLPrefix)) {
		raw, err := decodeDataURL(string(data))
		if err != nil {
			return nil, err
		}
		data = raw
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %s image is %dx%d, larger than %d pixels",
			ErrInvalidImage, format, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrInvalidImage, format)
	}
	return img, nil
}

func decodeDataURL(s string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, dataURLPrefix), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data URL", ErrInvalidImage)
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("%w: data URL is not base64 encoded", ErrInvalidImage)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: data URL payload: %w", ErrInvalidImage, err)
	}
	return raw, nil
}
