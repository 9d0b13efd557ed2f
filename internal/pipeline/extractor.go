package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// Output is the merged text of a run plus the per-tile detail behind it.
type Output struct {
	Text      string       `json:"text"`
	Tiles     []TileResult `json:"tiles"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Pending   int          `json:"pending"`
	// Incomplete is set when the run was cancelled before every tile settled.
	Incomplete bool `json:"incomplete"`
}

// Extractor wires Plan, Scheduler and Merge into one call.
type Extractor struct {
	recognizer Recognizer
	cfg        Config
}

func NewExtractor(rec Recognizer, cfg Config) *Extractor {
	return &Extractor{recognizer: rec, cfg: cfg}
}

// Config returns the settings the extractor runs with.
func (e *Extractor) Config() Config { return e.cfg }

// Extract tiles img, recognizes every tile and merges the results.
//
// Only configuration problems fail the call outright. On cancellation the
// partial output is returned together with a cancellation error; tiles that
// never ran are merged as empty.
func (e *Extractor) Extract(ctx context.Context, img SourceImage, events chan<- Event) (*Output, error) {
	specs, err := Plan(img.Height, e.cfg)
	if err != nil {
		return nil, err
	}

	slog.Debug("tile plan ready",
		"width", img.Width,
		"height", img.Height,
		"tiles", len(specs),
		"tile_height", e.cfg.TileHeight,
		"overlap", e.cfg.OverlapPx,
	)

	results, runErr := NewScheduler(e.recognizer, e.cfg).Run(ctx, img, specs, events)
	if runErr != nil && KindOf(runErr) != KindCancellation {
		return nil, runErr
	}

	out := Summarize(results)
	out.Incomplete = runErr != nil
	return out, runErr
}

// RetryTile re-runs the tile at index with its recorded spec and returns a
// copy of tiles with the new result spliced in. The caller re-merges.
func (e *Extractor) RetryTile(ctx context.Context, img SourceImage, tiles []TileResult, index int) ([]TileResult, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.recognizer == nil {
		return nil, ConfigurationError("no recognizer configured")
	}
	if index < 0 || index >= len(tiles) {
		return nil, ConfigurationError(fmt.Sprintf("tile %d out of range (0..%d)", index, len(tiles)-1))
	}
	spec := tiles[index].TileSpec
	if spec.Index != index {
		return nil, ConfigurationError(fmt.Sprintf("tile at position %d has index %d", index, spec.Index))
	}

	retried := NewScheduler(e.recognizer, e.cfg).RunTile(ctx, img, spec)
	if KindOf(retried.err) == KindCancellation {
		return nil, retried.err
	}

	out := make([]TileResult, len(tiles))
	copy(out, tiles)
	out[index] = retried
	return out, nil
}

// Summarize merges results and counts tiles by status.
func Summarize(results []TileResult) *Output {
	out := &Output{Text: Merge(results), Tiles: results}
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			out.Completed++
		case StatusError:
			out.Failed++
		default:
			out.Pending++
		}
	}
	return out
}
