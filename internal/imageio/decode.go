// Package imageio turns uploaded screenshot bytes into a pipeline source image.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

// DefaultMaxPixels bounds the decoded size of a screenshot (roughly 2000x100000).
const DefaultMaxPixels = 200_000_000

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooLarge          = errors.New("image exceeds pixel limit")
)

// Decoded is a decoded screenshot and the format it was stored in.
type Decoded struct {
	Source pipeline.SourceImage
	Format string
}

// ContentType maps a decoder format name to its MIME type.
func (d Decoded) ContentType() string {
	return ContentType(d.Format)
}

// Decode reads a PNG, JPEG, GIF, WebP, BMP or TIFF image. The header is
// checked against maxPixels before the pixel data is allocated; maxPixels
// <= 0 means DefaultMaxPixels.
func Decode(data []byte, maxPixels int64) (Decoded, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Decoded{}, ErrUnsupportedFormat
		}
		return Decoded{}, fmt.Errorf("read image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return Decoded{}, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Decoded{}, fmt.Errorf("decode %s image: %w", format, err)
	}
	src, err := pipeline.NewSourceImage(img)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Source: src, Format: format}, nil
}

// DecodeReader buffers r and decodes it.
func DecodeReader(r io.Reader, maxPixels int64) (Decoded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Decoded{}, fmt.Errorf("read image: %w", err)
	}
	return Decode(data, maxPixels)
}

func DecodeFile(path string, maxPixels int64) (Decoded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Decoded{}, fmt.Errorf("read image file: %w", err)
	}
	return Decode(data, maxPixels)
}

func ContentType(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
