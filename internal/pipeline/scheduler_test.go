package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// firstRow "reads" a tile by reporting the gray level of its first row,
// which identifies the tile because stripedImage encodes y%256 per row.
func firstRow(data []byte) (int, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	return int(r >> 8), nil
}

func rowText(data []byte) (string, error) {
	row, err := firstRow(data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("row %d", row), nil
}

func TestScheduler_ResultsAddressedByIndex(t *testing.T) {
	src := mustSource(t, stripedImage(2, 250))
	cfg := testConfig(50, 10)
	cfg.MaxConcurrency = 3
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)

	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
		return rowText(data)
	})

	results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, nil)
	require.NoError(t, err)
	require.Len(t, results, len(specs))

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, StatusCompleted, r.Status)
		assert.Equal(t, fmt.Sprintf("row %d", specs[i].YStart), r.Text)
		assert.Empty(t, r.Error)
	}
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	for _, k := range []int{1, 2, 3, 8} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			src := mustSource(t, stripedImage(2, 400))
			cfg := testConfig(20, 5)
			cfg.MaxConcurrency = k
			specs, err := Plan(src.Height, cfg)
			require.NoError(t, err)

			var active, peak atomic.Int64
			rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				return "x", nil
			})

			events := make(chan Event, 4*len(specs))
			results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, events)
			require.NoError(t, err)
			close(events)

			assert.LessOrEqual(t, peak.Load(), int64(k))
			assert.Positive(t, peak.Load())
			for _, r := range results {
				assert.Equal(t, StatusCompleted, r.Status)
			}

			// Replay the state machine from events: processing never exceeds k.
			processing := 0
			for ev := range events {
				switch ev.Status {
				case StatusProcessing:
					processing++
				case StatusCompleted, StatusError:
					processing--
				}
				assert.LessOrEqual(t, processing, k)
			}
		})
	}
}

func TestScheduler_CompletionOrderIndependence(t *testing.T) {
	src := mustSource(t, stripedImage(2, 200))
	cfg := testConfig(40, 10)
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)
	n := len(specs)
	cfg.MaxConcurrency = n

	run := func(reverse bool) string {
		// Each tile waits for its predecessor (forward) or successor (reverse).
		gates := make([]chan struct{}, n)
		for i := range gates {
			gates[i] = make(chan struct{})
		}
		rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
			row, err := firstRow(data)
			if err != nil {
				return "", err
			}
			idx := -1
			for i, s := range specs {
				if s.YStart%256 == row {
					idx = i
				}
			}
			wait := idx - 1
			if reverse {
				wait = idx + 1
			}
			if wait >= 0 && wait < n {
				<-gates[wait]
			}
			defer close(gates[idx])
			return fmt.Sprintf("shared\nline %d\nshared %d", idx, idx+1), nil
		})
		results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, nil)
		require.NoError(t, err)
		return Merge(results)
	}

	forward := run(false)
	reverse := run(true)
	assert.Equal(t, forward, reverse)
	assert.Contains(t, forward, "line 0")
}

func TestScheduler_FailureIsolation(t *testing.T) {
	src := mustSource(t, stripedImage(2, 100))
	cfg := testConfig(20, 0)
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)
	require.Len(t, specs, 5)

	boom := errors.New("service unavailable")
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
		row, err := firstRow(data)
		if err != nil {
			return "", err
		}
		if row == 40 {
			return "", boom
		}
		return fmt.Sprintf("row %d", row), nil
	})

	results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, nil)
	require.NoError(t, err)

	for i, r := range results {
		if i == 2 {
			assert.Equal(t, StatusError, r.Status)
			assert.Empty(t, r.Text)
			assert.Contains(t, r.Error, "service unavailable")
			assert.ErrorIs(t, r.Err(), boom)
			assert.Equal(t, KindRecognition, KindOf(r.Err()))
			continue
		}
		assert.Equal(t, StatusCompleted, r.Status, "tile %d", i)
	}
	assert.Equal(t, "row 0\n\nrow 20\n\nrow 60\n\nrow 80", Merge(results))
}

func TestScheduler_CropFailureIsIsolated(t *testing.T) {
	src := mustSource(t, stripedImage(2, 100))
	cfg := testConfig(50, 0)
	specs := []TileSpec{
		{Index: 0, YStart: 0, YEnd: 50},
		{Index: 1, YStart: 50, YEnd: 500},
	}
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) { return "ok", nil })

	results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Equal(t, StatusError, results[1].Status)
	assert.Equal(t, KindCrop, KindOf(results[1].Err()))
}

func TestScheduler_PerTileTimeout(t *testing.T) {
	src := mustSource(t, stripedImage(2, 40))
	cfg := testConfig(20, 0)
	cfg.TileTimeout = 20 * time.Millisecond
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)

	// Tile 0 never answers and ignores its context; tile 1 answers at once.
	block := make(chan struct{})
	defer close(block)
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
		row, _ := firstRow(data)
		if row == 0 {
			<-block
			return "late", nil
		}
		return "fast", nil
	})

	results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusError, results[0].Status)
	assert.ErrorIs(t, results[0].Err(), ErrTileTimeout)
	assert.Equal(t, KindRecognition, KindOf(results[0].Err()))
	assert.Equal(t, StatusCompleted, results[1].Status)
	assert.Equal(t, "fast", results[1].Text)
}

func TestScheduler_TimedOutCallsKeepTheirSlot(t *testing.T) {
	src := mustSource(t, stripedImage(2, 200))
	cfg := testConfig(20, 0)
	cfg.MaxConcurrency = 2
	cfg.TileTimeout = 10 * time.Millisecond
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)
	require.Len(t, specs, 10)

	var active, peak atomic.Int64
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		return "late", nil
	})

	results, err := NewScheduler(rec, cfg).Run(context.Background(), src, specs, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int64(2))
	for _, r := range results {
		assert.Equal(t, StatusError, r.Status)
		assert.ErrorIs(t, r.Err(), ErrTileTimeout)
	}
}

// lateCancelCtx reports cancellation through Err once cancel is called but
// never closes Done, so it cannot interrupt a call already in progress.
type lateCancelCtx struct {
	context.Context
	cancelled atomic.Bool
}

func newLateCancelCtx() *lateCancelCtx {
	return &lateCancelCtx{Context: context.Background()}
}

func (c *lateCancelCtx) cancel() { c.cancelled.Store(true) }

func (c *lateCancelCtx) Err() error {
	if c.cancelled.Load() {
		return context.Canceled
	}
	return nil
}

func TestScheduler_CancelAfterAllTilesSettled(t *testing.T) {
	src := mustSource(t, stripedImage(2, 60))
	cfg := testConfig(20, 0)
	cfg.MaxConcurrency = 1
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	ctx := newLateCancelCtx()
	var calls atomic.Int64
	rec := RecognizerFunc(func(_ context.Context, data []byte) (string, error) {
		if calls.Add(1) == int64(len(specs)) {
			ctx.cancel()
		}
		return rowText(data)
	})

	results, err := NewScheduler(rec, cfg).Run(ctx, src, specs, nil)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	for _, r := range results {
		assert.Equal(t, StatusCompleted, r.Status)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	src := mustSource(t, stripedImage(2, 200))
	cfg := testConfig(20, 0)
	cfg.MaxConcurrency = 2
	cfg.TileTimeout = time.Minute
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)
	require.Len(t, specs, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first two calls answer; every later call blocks until cancelled.
	var calls atomic.Int64
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) {
		if calls.Add(1) <= 2 {
			return "done", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	})

	events := make(chan Event, 4*len(specs))
	go func() {
		for ev := range events {
			if ev.Completed == 2 {
				cancel()
				return
			}
		}
	}()

	results, err := NewScheduler(rec, cfg).Run(ctx, src, specs, events)
	require.Error(t, err)
	assert.Equal(t, KindCancellation, KindOf(err))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, len(specs))

	var completed, pending, cancelled int
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			completed++
		case StatusPending:
			pending++
		case StatusError:
			assert.Equal(t, KindCancellation, KindOf(r.Err()))
			cancelled++
		default:
			t.Fatalf("tile %d left in %s", r.Index, r.Status)
		}
	}
	assert.Equal(t, 2, completed)
	assert.LessOrEqual(t, cancelled, 2)
	assert.Equal(t, len(specs)-completed-cancelled, pending)
	assert.GreaterOrEqual(t, pending, 6)

	out := Summarize(results)
	assert.Equal(t, "done", out.Text)
}

func TestScheduler_Events(t *testing.T) {
	src := mustSource(t, stripedImage(2, 60))
	cfg := testConfig(20, 0)
	cfg.MaxConcurrency = 1
	specs, err := Plan(src.Height, cfg)
	require.NoError(t, err)

	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) { return "t", nil })
	events := make(chan Event, 16)
	_, err = NewScheduler(rec, cfg).Run(context.Background(), src, specs, events)
	require.NoError(t, err)
	close(events)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 6)
	assert.Equal(t, Event{Index: 0, Status: StatusProcessing, Completed: 0, Total: 3, Percent: 0}, got[0])
	assert.Equal(t, StatusCompleted, got[1].Status)
	assert.Equal(t, 1, got[1].Completed)
	last := got[len(got)-1]
	assert.Equal(t, 3, last.Completed)
	assert.InDelta(t, 100.0, last.Percent, 0.001)
}

func TestScheduler_RejectsBadConfig(t *testing.T) {
	src := mustSource(t, stripedImage(2, 60))
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) { return "", nil })

	cfg := testConfig(20, 0)
	cfg.MaxConcurrency = 0
	_, err := NewScheduler(rec, cfg).Run(context.Background(), src, []TileSpec{{YStart: 0, YEnd: 20}}, nil)
	assert.Equal(t, KindConfiguration, KindOf(err))

	_, err = NewScheduler(nil, testConfig(20, 0)).Run(context.Background(), src, nil, nil)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestScheduler_EmptyPlan(t *testing.T) {
	src := mustSource(t, stripedImage(2, 60))
	rec := RecognizerFunc(func(ctx context.Context, data []byte) (string, error) { return "", nil })
	results, err := NewScheduler(rec, testConfig(20, 0)).Run(context.Background(), src, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
