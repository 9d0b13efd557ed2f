package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Scheduler runs crop -> recognize for every tile on a fixed-size worker pool.
type Scheduler struct {
	recognizer Recognizer
	cfg        Config
}

func NewScheduler(rec Recognizer, cfg Config) *Scheduler {
	return &Scheduler{recognizer: rec, cfg: cfg}
}

// Run processes specs with at most cfg.MaxConcurrency tiles in flight and
// returns one result per spec, addressed by index.
//
// Tile failures are recorded on the tile and never abort siblings. When ctx
// is cancelled, workers stop claiming tiles, in-flight calls are abandoned
// and recorded as cancelled errors, unclaimed tiles stay pending, and the
// partial table is returned with a cancellation error. A cancellation that
// lands after every tile has settled is not reported.
//
// A recognize call abandoned on timeout keeps its slot until it returns, so
// no more than cfg.MaxConcurrency calls are ever running at once.
//
// Events are sent without blocking; a slow consumer misses updates.
func (s *Scheduler) Run(ctx context.Context, img SourceImage, specs []TileSpec, events chan<- Event) ([]TileResult, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.recognizer == nil {
		return nil, ConfigurationError("no recognizer configured")
	}

	results := make([]TileResult, len(specs))
	for i, spec := range specs {
		if spec.Index != i {
			return nil, ConfigurationError(fmt.Sprintf("tile at position %d has index %d", i, spec.Index))
		}
		results[i] = TileResult{TileSpec: spec, Status: StatusPending}
	}
	if len(specs) == 0 {
		return results, nil
	}

	queue := make(chan int, len(specs))
	for i := range specs {
		queue <- i
	}
	close(queue)

	start := time.Now()
	tracker := &progress{total: len(specs), events: events}
	slots := semaphore.NewWeighted(int64(s.cfg.MaxConcurrency))

	var g errgroup.Group
	for w := 0; w < min(s.cfg.MaxConcurrency, len(specs)); w++ {
		g.Go(func() error {
			s.work(ctx, img, specs, results, queue, slots, tracker)
			return nil
		})
	}
	_ = g.Wait()

	failed, unsettled := 0, false
	for _, r := range results {
		switch {
		case r.Status == StatusPending:
			unsettled = true
		case r.Status == StatusError:
			failed++
			if KindOf(r.err) == KindCancellation {
				unsettled = true
			}
		}
	}
	slog.Info("tile run finished",
		"tiles", len(specs),
		"settled", tracker.settled.Load(),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := ctx.Err(); err != nil && unsettled {
		return results, CancellationError(-1, err)
	}
	return results, nil
}

func (s *Scheduler) work(ctx context.Context, img SourceImage, specs []TileSpec, results []TileResult, queue <-chan int, slots *semaphore.Weighted, tracker *progress) {
	for {
		// Take a slot before claiming so a cancelled wait leaves the tile pending.
		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}
		idx, ok := <-queue
		if !ok || ctx.Err() != nil {
			slots.Release(1)
			return
		}

		r := &results[idx]
		r.Status = StatusProcessing
		tracker.emit(idx, StatusProcessing, false)

		text, err := s.process(ctx, img, specs[idx], func() { slots.Release(1) })
		if err != nil {
			r.Status = StatusError
			r.Error = err.Error()
			r.err = err
			slog.Warn("tile failed", "tile", idx, "kind", KindOf(err), "error", err)
		} else {
			r.Status = StatusCompleted
			r.Text = text
		}
		tracker.emit(idx, r.Status, true)
	}
}

// RunTile processes a single spec outside the pool. It is the building
// block for caller-level retries of one failed tile.
func (s *Scheduler) RunTile(ctx context.Context, img SourceImage, spec TileSpec) TileResult {
	r := TileResult{TileSpec: spec, Status: StatusProcessing}
	if err := s.cfg.Validate(); err != nil {
		r.Status, r.Error, r.err = StatusError, err.Error(), err
		return r
	}
	text, err := s.process(ctx, img, spec, func() {})
	if err != nil {
		r.Status, r.Error, r.err = StatusError, err.Error(), err
		return r
	}
	r.Status, r.Text = StatusCompleted, text
	return r
}

// process crops and recognizes a single tile under the per-tile timeout.
// release runs once the recognize call has returned, which may be after
// process itself has given up on it.
func (s *Scheduler) process(ctx context.Context, img SourceImage, spec TileSpec, release func()) (string, error) {
	data, err := Crop(img, spec)
	if err != nil {
		release()
		return "", err
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TileTimeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	// Buffered so an abandoned call can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer release()
		text, err := s.recognizer.Recognize(tctx, data)
		done <- outcome{text: text, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-tctx.Done():
		select {
		case out = <-done:
		default:
			out = outcome{err: tctx.Err()}
		}
	}

	switch {
	case out.err == nil:
		return out.text, nil
	case ctx.Err() != nil:
		return "", CancellationError(spec.Index, ctx.Err())
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return "", RecognitionError(spec.Index,
			fmt.Sprintf("no response within %s", s.cfg.TileTimeout),
			fmt.Errorf("%w: %w", ErrTileTimeout, out.err))
	default:
		return "", RecognitionError(spec.Index, "recognize", out.err)
	}
}

type progress struct {
	total   int
	settled atomic.Int64
	events  chan<- Event
}

func (p *progress) emit(index int, status Status, settled bool) {
	n := int(p.settled.Load())
	if settled {
		n = int(p.settled.Add(1))
	}
	if p.events == nil {
		return
	}
	ev := Event{
		Index:     index,
		Status:    status,
		Completed: n,
		Total:     p.total,
		Percent:   float64(n) / float64(p.total) * 100.0,
	}
	select {
	case p.events <- ev:
	default:
		slog.Debug("progress channel full, dropping event", "tile", index, "status", status)
	}
}
