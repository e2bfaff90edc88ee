// Package imaging prepares image bytes for the recognition library.
// dlib only loads JPEG, so other formats are decoded and re-encoded, and
// oversized images are scaled down to keep detection fast.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/png"

	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is the quality used when re-encoding.
const JPEGQuality = 92

// ErrUnsupportedFormat is returned for content that is not a supported image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

var supported = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Result is a normalized image.
type Result struct {
	Data      []byte
	MIME      string // detected type of the input
	Width     int
	Height    int
	Converted bool // true when Data differs from the input
}

// Normalize returns JPEG bytes whose longest edge is at most maxSize.
// A maxSize of 0 disables scaling. JPEG input that needs no scaling is
// returned unchanged.
func Normalize(data []byte, maxSize int) (*Result, error) {
	mt := mimetype.Detect(data)
	mime := mt.String()
	for m := mt; m != nil; m = m.Parent() {
		if supported[m.String()] {
			mime = m.String()
			break
		}
	}
	if !supported[mime] {
		return nil, apperr.WrapInput(ErrUnsupportedFormat, "cannot use %s content", mt.String())
	}

	if mime == "image/jpeg" {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, apperr.WrapInput(err, "failed to decode jpeg")
		}
		if !needsScale(cfg.Width, cfg.Height, maxSize) {
			return &Result{Data: data, MIME: mime, Width: cfg.Width, Height: cfg.Height}, nil
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.WrapInput(err, "failed to decode %s", mime)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if needsScale(width, height, maxSize) {
		width, height = fit(width, height, maxSize)
	}

	// White backdrop so transparent regions do not turn black.
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return &Result{
		Data:      buf.Bytes(),
		MIME:      mime,
		Width:     width,
		Height:    height,
		Converted: true,
	}, nil
}

func needsScale(width, height, maxSize int) bool {
	return maxSize > 0 && (width > maxSize || height > maxSize)
}

// fit scales width and height so the longest edge equals maxSize.
func fit(width, height, maxSize int) (int, int) {
	if width >= height {
		h := int(float64(height) * float64(maxSize) / float64(width))
		return maxSize, max(h, 1)
	}
	w := int(float64(width) * float64(maxSize) / float64(height))
	return max(w, 1), maxSize
}
