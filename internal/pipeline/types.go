package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"
)

// Status is the lifecycle state of a single tile.
//
// pending -> processing -> completed | error. A terminal state never changes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether the status is completed or error.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Config tunes tiling and dispatch for one run.
type Config struct {
	TileHeight     int           `json:"tile_height"`
	OverlapPx      int           `json:"overlap_px"`
	MaxConcurrency int           `json:"max_concurrency"`
	TileTimeout    time.Duration `json:"tile_timeout"`
	// MaxTiles caps the plan length. Zero means no cap.
	MaxTiles int `json:"max_tiles"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TileHeight:     2000,
		OverlapPx:      200,
		MaxConcurrency: 4,
		TileTimeout:    60 * time.Second,
		MaxTiles:       500,
	}
}

// Validate rejects combinations that cannot produce a tile plan or a pool.
func (c Config) Validate() error {
	switch {
	case c.TileHeight <= 0:
		return ConfigurationError(fmt.Sprintf("tile height must be positive, got %d", c.TileHeight))
	case c.OverlapPx < 0:
		return ConfigurationError(fmt.Sprintf("overlap must not be negative, got %d", c.OverlapPx))
	case c.OverlapPx >= c.TileHeight:
		return ConfigurationError(fmt.Sprintf("overlap %d must be smaller than tile height %d", c.OverlapPx, c.TileHeight))
	case c.MaxConcurrency < 1:
		return ConfigurationError(fmt.Sprintf("max concurrency must be at least 1, got %d", c.MaxConcurrency))
	case c.TileTimeout <= 0:
		return ConfigurationError(fmt.Sprintf("tile timeout must be positive, got %s", c.TileTimeout))
	case c.MaxTiles < 0:
		return ConfigurationError(fmt.Sprintf("max tiles must not be negative, got %d", c.MaxTiles))
	}
	return nil
}

// SourceImage is a decoded screenshot. It is never written after creation,
// so workers read it concurrently without locking.
type SourceImage struct {
	img    image.Image
	Width  int
	Height int
}

// NewSourceImage wraps a decoded image and records its dimensions.
func NewSourceImage(img image.Image) (SourceImage, error) {
	if img == nil {
		return SourceImage{}, fmt.Errorf("source image is nil")
	}
	b := img.Bounds()
	if b.Empty() {
		return SourceImage{}, fmt.Errorf("source image is empty (%dx%d)", b.Dx(), b.Dy())
	}
	return SourceImage{img: img, Width: b.Dx(), Height: b.Dy()}, nil
}

// Image returns the underlying decoded image.
func (s SourceImage) Image() image.Image { return s.img }

// TileSpec is a horizontal band [YStart, YEnd) of the source image.
// Index defines merge order.
type TileSpec struct {
	Index  int `json:"index"`
	YStart int `json:"y_start"`
	YEnd   int `json:"y_end"`
}

// Height returns the number of rows in the tile.
func (t TileSpec) Height() int { return t.YEnd - t.YStart }

// TileResult records the outcome of one tile. Text is set iff Status is
// completed and Error iff Status is error.
type TileResult struct {
	TileSpec
	Status Status `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`

	err error
}

// Err returns the failure recorded for the tile, if any. It is not
// serialized; after a JSON round trip only Error remains.
func (r TileResult) Err() error { return r.err }

// Event is a progress update pushed to a presentation surface.
type Event struct {
	Index     int     `json:"index"`
	Status    Status  `json:"status"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// Recognizer turns one encoded tile image into text. Implementations block
// until the remote call resolves or ctx is done.
//
// A call that ignores ctx past the tile timeout is reported as timed out but
// still occupies a worker slot until it returns.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, image []byte) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}
