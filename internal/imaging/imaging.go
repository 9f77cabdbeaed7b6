// Package imaging decodes captured images and prepares them for the
// classifier.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register decoder
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

// JPEGQuality is used for every encode.
const JPEGQuality = 90

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("empty image")

var extensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

// Supported reports whether path has an image extension the directory
// source picks up. Matching is case-insensitive.
func Supported(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Decode parses a JPEG or PNG image.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Resize scales img to exactly w x h with bilinear interpolation.
func Resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Prepare decodes data, resizes it to w x h and re-encodes it as JPEG.
// Non-positive dimensions keep the original size.
func Prepare(data []byte, w, h int) ([]byte, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if w > 0 && h > 0 {
		img = Resize(img, w, h)
	}
	return EncodeJPEG(img)
}
