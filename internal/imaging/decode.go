// Package imaging turns uploaded bytes into the three-channel image the
// classifier expects.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"
)

const DefaultMaxBytes = 20 << 20

var (
	ErrEmpty       = errors.New("image is empty")
	ErrTooLarge    = errors.New("image exceeds the upload limit")
	ErrUnsupported = errors.New("unsupported image type")
)

// Extensions accepted by the upload form.
var Extensions = []string{"jpg", "jpeg", "png"}

// Decoded is an RGB image plus what was learned while decoding it.
type Decoded struct {
	Image  *image.RGBA
	Format string
	Bytes  int
}

// CheckExtension rejects filenames outside the allow list. An empty name is
// accepted because API clients may post a raw body.
func CheckExtension(filename string) error {
	if filename == "" {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, allowed := range Extensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(filename))
}

// Decode reads at most maxBytes from r and converts the image to RGB.
func Decode(r io.Reader, filename string, maxBytes int64) (*Decoded, error) {
	if err := CheckExtension(filename); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	if int64(len(raw)) > maxBytes {
		return nil, ErrTooLarge
	}
	return DecodeBytes(raw)
}

// DecodeBytes sniffs the format from content, never from the filename.
func DecodeBytes(raw []byte) (*Decoded, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	return &Decoded{Image: ToRGB(img), Format: format, Bytes: len(raw)}, nil
}

// ToRGB flattens img onto an opaque RGBA canvas. Grayscale radiographs come
// out with three equal channels.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
