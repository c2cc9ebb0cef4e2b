// Package imaging wraps the decode, scale and encode primitives used to turn
// a downloaded source into cache variants.
package imaging

import (
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	_ "image/gif"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/lucasew/picturecache/internal/model"
)

// JPEGQuality is used for JPEG variants.
const JPEGQuality = 90

// SampleSize is the integer downsample factor applied while decoding a source
// of height srcHeight for a variant of height finalHeight. Sources less than
// twice as tall as the target are decoded at full size.
func SampleSize(srcHeight, finalHeight int) int {
	if finalHeight <= 0 || srcHeight <= 2*finalHeight {
		return 1
	}
	return srcHeight / finalHeight
}

// Probe reads the dimensions of the image at path without decoding it.
func Probe(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, fmt.Errorf("%w: %v", model.ErrDecodeFailed, err)
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("%w: %v", model.ErrDecodeFailed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, fmt.Errorf("%w: empty image", model.ErrDecodeFailed)
	}
	return cfg, nil
}

// Decode decodes the image at path and shrinks it by sample. A source with
// more than maxPixels pixels is refused with ErrOutOfMemory; maxPixels <= 0
// disables the check.
func Decode(path string, sample int, maxPixels int64) (img image.Image, err error) {
	cfg, err := Probe(path)
	if err != nil {
		return nil, err
	}
	if err := checkPixels(cfg.Width, cfg.Height, maxPixels); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecodeFailed, err)
	}
	defer func() { _ = f.Close() }()

	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("%w: decoder panic: %v", model.ErrDecodeFailed, r)
		}
	}()

	img, _, err = image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecodeFailed, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", model.ErrDecodeFailed)
	}
	if sample > 1 {
		img = resize(img, max(1, b.Dx()/sample), max(1, b.Dy()/sample), xdraw.ApproxBiLinear)
	}
	return img, nil
}

// Scale resizes img to finalHeight keeping its aspect ratio. finalHeight 0
// or the current height returns img unchanged.
func Scale(img image.Image, finalHeight int, maxPixels int64) (image.Image, error) {
	b := img.Bounds()
	if finalHeight <= 0 || finalHeight == b.Dy() {
		return img, nil
	}
	width := max(1, b.Dx()*finalHeight/b.Dy())
	if err := checkPixels(width, finalHeight, maxPixels); err != nil {
		return nil, err
	}
	return resize(img, width, finalHeight, xdraw.BiLinear), nil
}

func resize(img image.Image, w, h int, s xdraw.Scaler) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	s.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func checkPixels(w, h int, maxPixels int64) error {
	if maxPixels > 0 && int64(w)*int64(h) > maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", model.ErrOutOfMemory, w, h, maxPixels)
	}
	return nil
}

// Encode writes img in the format selected by st. Auto keeps transparency
// as PNG and stores opaque images as JPEG.
func Encode(w io.Writer, img image.Image, st model.StorageType) error {
	switch st {
	case model.PNG:
		return png.Encode(w, img)
	case model.JPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	default:
		if isOpaque(img) {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
		}
		return png.Encode(w, img)
	}
}

func isOpaque(img image.Image) bool {
	o, ok := img.(interface{ Opaque() bool })
	return ok && o.Opaque()
}

// WriteFile atomically replaces path with the encoding of img.
func WriteFile(path string, img image.Image, st model.StorageType) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "variant-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", model.ErrStorageFailed, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(tmp, img, st); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: failed to encode: %v", model.ErrStorageFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temp file: %v", model.ErrStorageFailed, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: failed to rename to final path: %v", model.ErrStorageFailed, err)
	}
	return nil
}
