// Package media validates uploaded images and re-encodes oversize ones
// down to a byte budget before they are handed to blob storage.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedType marks uploads that are not an accepted image type.
	ErrUnsupportedType = errors.New("unsupported media type")
	// ErrUncompressible marks images that cannot be brought under the byte
	// budget without dropping below the quality and dimension floors.
	ErrUncompressible = errors.New("image cannot be compressed to fit")
)

const (
	qualityStart = 85
	qualityFloor = 40
	qualityStep  = 15
	minDimension = 256
)

var acceptedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// PreparedImage is an upload ready for blob storage.
type PreparedImage struct {
	Bytes       []byte
	ContentType string
	Reencoded   bool
}

// Prepare validates the upload and, when it exceeds maxBytes, walks a
// JPEG quality ladder, halving the image dimensions between passes,
// until the result fits or the floors are hit. Within-budget uploads
// pass through untouched.
func Prepare(raw []byte, mimeType string, maxBytes int64) (PreparedImage, error) {
	mimeType = normalizeMIME(mimeType)
	if _, ok := acceptedTypes[mimeType]; !ok {
		return PreparedImage{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if len(raw) == 0 {
		return PreparedImage{}, fmt.Errorf("%w: empty upload", ErrUnsupportedType)
	}
	if maxBytes <= 0 || int64(len(raw)) <= maxBytes {
		return PreparedImage{Bytes: raw, ContentType: mimeType}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return PreparedImage{}, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	for {
		for quality := qualityStart; quality >= qualityFloor; quality -= qualityStep {
			encoded, err := encodeJPEG(img, quality)
			if err != nil {
				return PreparedImage{}, fmt.Errorf("re-encode image: %w", err)
			}
			if int64(len(encoded)) <= maxBytes {
				return PreparedImage{Bytes: encoded, ContentType: "image/jpeg", Reencoded: true}, nil
			}
		}
		scaled, ok := halve(img)
		if !ok {
			return PreparedImage{}, ErrUncompressible
		}
		img = scaled
	}
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// halve scales the image to half size with Catmull-Rom resampling.
// Returns false once the longest edge would drop below the floor.
func halve(img image.Image) (image.Image, bool) {
	bounds := img.Bounds()
	width := bounds.Dx() / 2
	height := bounds.Dy() / 2
	if max(width, height) < minDimension {
		return nil, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst, true
}
