package extraction

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

// Overrides are per-request changes to the default pipeline settings.
type Overrides struct {
	TileHeight     *int
	Overlap        *int
	MaxConcurrency *int
}

// Apply returns cfg with every set override replaced.
func (o Overrides) Apply(cfg pipeline.Config) pipeline.Config {
	if o.TileHeight != nil {
		cfg.TileHeight = *o.TileHeight
	}
	if o.Overlap != nil {
		cfg.OverlapPx = *o.Overlap
	}
	if o.MaxConcurrency != nil {
		cfg.MaxConcurrency = *o.MaxConcurrency
	}
	return cfg
}

// ParseOverrides reads tile_height, overlap and max_concurrency from form
// values; absent or empty fields keep the defaults.
func ParseOverrides(values url.Values) (Overrides, error) {
	var o Overrides
	fields := []struct {
		name string
		dst  **int
	}{
		{"tile_height", &o.TileHeight},
		{"overlap", &o.Overlap},
		{"max_concurrency", &o.MaxConcurrency},
	}
	for _, f := range fields {
		raw := values.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Overrides{}, pipeline.ConfigurationError(fmt.Sprintf("%s must be an integer, got %q", f.name, raw))
		}
		*f.dst = &n
	}
	return o, nil
}
