package pipeline

import "fmt"

const maxPlanPrealloc = 1024

// Plan cuts an image of the given height into overlapping horizontal tiles.
//
// Every tile after the first starts at previous.YEnd - OverlapPx and the last
// one ends exactly at height. Plan is pure and never suspends.
func Plan(height int, cfg Config) ([]TileSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if height <= 0 {
		return nil, ConfigurationError(fmt.Sprintf("image height must be positive, got %d", height))
	}

	stride := cfg.TileHeight - cfg.OverlapPx
	count := 1
	if height > cfg.TileHeight {
		count += (height - cfg.TileHeight + stride - 1) / stride
	}
	if cfg.MaxTiles > 0 && count > cfg.MaxTiles {
		return nil, tooManyTiles(height, cfg)
	}
	specs := make([]TileSpec, 0, min(count, maxPlanPrealloc))

	yStart := 0
	for {
		yEnd := min(yStart+cfg.TileHeight, height)
		specs = append(specs, TileSpec{Index: len(specs), YStart: yStart, YEnd: yEnd})
		if yEnd >= height {
			break
		}
		yStart = yEnd - cfg.OverlapPx
	}
	return specs, nil
}

func tooManyTiles(height int, cfg Config) error {
	return ConfigurationError(fmt.Sprintf(
		"image height %d needs more than %d tiles at tile height %d and overlap %d",
		height, cfg.MaxTiles, cfg.TileHeight, cfg.OverlapPx))
}
