package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

var errOutOfRange = errors.New("tile outside image bounds")

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

var tileEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// Crop cuts the band described by spec out of img and encodes it as PNG.
// spec must come from Plan for this image's height.
func Crop(img SourceImage, spec TileSpec) (data []byte, err error) {
	if img.img == nil {
		return nil, CropError(spec.Index, "no image data", errOutOfRange)
	}
	if spec.YStart < 0 || spec.YStart >= spec.YEnd || spec.YEnd > img.Height {
		return nil, CropError(spec.Index,
			fmt.Sprintf("rows [%d,%d) do not fit image height %d", spec.YStart, spec.YEnd, img.Height),
			errOutOfRange)
	}

	// Malformed pixel buffers panic inside the image package.
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = CropError(spec.Index, "slice image", fmt.Errorf("%v", r))
		}
	}()

	b := img.img.Bounds()
	rect := image.Rect(b.Min.X, b.Min.Y+spec.YStart, b.Max.X, b.Min.Y+spec.YEnd)

	var tile image.Image
	if s, ok := img.img.(subImager); ok {
		tile = s.SubImage(rect)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.Copy(dst, image.Point{}, img.img, rect, draw.Src, nil)
		tile = dst
	}

	var buf bytes.Buffer
	if err := tileEncoder.Encode(&buf, tile); err != nil {
		return nil, CropError(spec.Index, "encode tile", err)
	}
	return buf.Bytes(), nil
}
