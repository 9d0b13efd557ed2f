package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(tileHeight, overlap int) Config {
	return Config{
		TileHeight:     tileHeight,
		OverlapPx:      overlap,
		MaxConcurrency: 2,
		TileTimeout:    time.Second,
	}
}

func TestPlan_ConcreteExample(t *testing.T) {
	specs, err := Plan(5000, testConfig(2000, 200))
	require.NoError(t, err)

	assert.Equal(t, []TileSpec{
		{Index: 0, YStart: 0, YEnd: 2000},
		{Index: 1, YStart: 1800, YEnd: 3800},
		{Index: 2, YStart: 3600, YEnd: 5000},
	}, specs)
}

func TestPlan_Coverage(t *testing.T) {
	for _, height := range []int{1, 2, 199, 200, 201, 1999, 2000, 2001, 3800, 5000, 12345, 40000} {
		for _, tc := range []struct{ tile, overlap int }{
			{2000, 200}, {2000, 0}, {2000, 1999}, {1, 0}, {500, 499}, {333, 100},
		} {
			cfg := testConfig(tc.tile, tc.overlap)
			specs, err := Plan(height, cfg)
			require.NoError(t, err, "height=%d tile=%d overlap=%d", height, tc.tile, tc.overlap)
			require.NotEmpty(t, specs)

			assert.Equal(t, 0, specs[0].YStart)
			assert.Equal(t, height, specs[len(specs)-1].YEnd)

			covered := 0
			for i, s := range specs {
				assert.Equal(t, i, s.Index)
				assert.Less(t, s.YStart, s.YEnd)
				assert.LessOrEqual(t, s.Height(), tc.tile)
				if i > 0 {
					prev := specs[i-1]
					assert.Equal(t, prev.YEnd-tc.overlap, s.YStart)
					assert.Greater(t, s.YStart, prev.YStart)
					assert.LessOrEqual(t, s.YStart, covered, "gap before tile %d", i)
				}
				covered = s.YEnd
			}
		}
	}
}

func TestPlan_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero tile height", testConfig(0, 0)},
		{"negative tile height", testConfig(-10, 0)},
		{"overlap equals tile height", testConfig(100, 100)},
		{"overlap above tile height", testConfig(100, 150)},
		{"negative overlap", testConfig(100, -1)},
		{"zero concurrency", Config{TileHeight: 100, MaxConcurrency: 0, TileTimeout: time.Second}},
		{"zero timeout", Config{TileHeight: 100, MaxConcurrency: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := Plan(1000, tt.cfg)
			require.Error(t, err)
			assert.Nil(t, specs)
			assert.Equal(t, KindConfiguration, KindOf(err))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPlan_RejectsNonPositiveHeight(t *testing.T) {
	_, err := Plan(0, testConfig(100, 10))
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestPlan_MaxTiles(t *testing.T) {
	cfg := testConfig(100, 0)
	cfg.MaxTiles = 3

	specs, err := Plan(300, cfg)
	require.NoError(t, err)
	assert.Len(t, specs, 3)

	_, err = Plan(301, cfg)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))

	// Rejected before anything proportional to the height is allocated.
	huge := testConfig(2, 1)
	huge.MaxTiles = 500
	specs, err = Plan(1<<40, huge)
	require.Error(t, err)
	assert.Nil(t, specs)
	assert.Equal(t, KindConfiguration, KindOf(err))

	specs, err = Plan(500+1, huge)
	require.NoError(t, err)
	assert.Len(t, specs, 500)
	assert.Equal(t, 501, specs[len(specs)-1].YEnd)
}

func TestPlan_CountMatchesEstimate(t *testing.T) {
	for _, tc := range []struct{ height, tile, overlap int }{
		{1, 10, 0}, {10, 10, 0}, {11, 10, 0}, {1000, 7, 3}, {2999, 1000, 1}, {5000, 2, 1},
	} {
		cfg := testConfig(tc.tile, tc.overlap)
		specs, err := Plan(tc.height, cfg)
		require.NoError(t, err)

		cfg.MaxTiles = len(specs)
		_, err = Plan(tc.height, cfg)
		assert.NoError(t, err, "height=%d tile=%d overlap=%d", tc.height, tc.tile, tc.overlap)

		cfg.MaxTiles = len(specs) - 1
		if cfg.MaxTiles > 0 {
			_, err = Plan(tc.height, cfg)
			assert.Equal(t, KindConfiguration, KindOf(err), "height=%d tile=%d overlap=%d", tc.height, tc.tile, tc.overlap)
		}
	}
}

func TestPlan_ShortImageIsOneTile(t *testing.T) {
	specs, err := Plan(150, testConfig(2000, 200))
	require.NoError(t, err)
	assert.Equal(t, []TileSpec{{Index: 0, YStart: 0, YEnd: 150}}, specs)
}
