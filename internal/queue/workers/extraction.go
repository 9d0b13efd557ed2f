package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/tallocr/internal/extraction"
	"github.com/nikhilbhutani/tallocr/internal/models"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
	"github.com/nikhilbhutani/tallocr/internal/queue"
)

// Jobs is the part of the extraction service the worker drives.
type Jobs interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Extraction, error)
	LoadSource(ctx context.Context, ext *models.Extraction) (pipeline.SourceImage, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, total int) error
	UpdateProgress(ctx context.Context, id uuid.UUID, done, failed int) error
	Complete(ctx context.Context, id uuid.UUID, out *pipeline.Output) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	SaveTiles(ctx context.Context, id uuid.UUID, tiles []pipeline.TileResult) (*pipeline.Output, error)
}

// Locker serializes work on one extraction across worker processes.
type Locker interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

var errLocked = errors.New("extraction is locked by another worker")

type ExtractionWorker struct {
	jobs          Jobs
	recognizer    pipeline.Recognizer
	locks         Locker
	lockTTL       time.Duration
	progressEvery time.Duration
}

// NewExtractionWorker takes an optional locker; nil disables locking.
func NewExtractionWorker(jobs Jobs, rec pipeline.Recognizer, locks Locker, lockTTL time.Duration) *ExtractionWorker {
	return &ExtractionWorker{
		jobs:          jobs,
		recognizer:    rec,
		locks:         locks,
		lockTTL:       lockTTL,
		progressEvery: 500 * time.Millisecond,
	}
}

// ProcessRun handles extraction:run.
func (w *ExtractionWorker) ProcessRun(ctx context.Context, t *asynq.Task) error {
	var payload queue.ExtractionRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(payload.ExtractionID)
	if err != nil {
		return fmt.Errorf("parse extraction ID: %v: %w", err, asynq.SkipRetry)
	}

	unlock, err := w.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ext, err := w.jobs.Get(ctx, id)
	if errors.Is(err, extraction.ErrNotFound) {
		return fmt.Errorf("extraction %s: %w", id, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get extraction: %w", err)
	}
	if ext.Status == models.ExtractionStatusCompleted {
		slog.Info("extraction already completed, skipping", "extraction_id", id)
		return nil
	}

	slog.Info("processing extraction", "extraction_id", id, "width", ext.Width, "height", ext.Height)

	src, err := w.jobs.LoadSource(ctx, ext)
	if err != nil {
		w.fail(ctx, id, "screenshot could not be loaded")
		return fmt.Errorf("load source: %w", err)
	}
	specs, err := pipeline.Plan(src.Height, ext.Config)
	if err != nil {
		w.fail(ctx, id, err.Error())
		return fmt.Errorf("plan tiles: %v: %w", err, asynq.SkipRetry)
	}

	if err := w.jobs.MarkProcessing(ctx, id, len(specs)); err != nil {
		return fmt.Errorf("update status to processing: %w", err)
	}

	events := make(chan pipeline.Event, 2*len(specs)+1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.trackProgress(ctx, id, events)
	}()

	out, runErr := pipeline.NewExtractor(w.recognizer, ext.Config).Extract(ctx, src, events)
	close(events)
	wg.Wait()

	if out == nil {
		w.fail(ctx, id, runErr.Error())
		return fmt.Errorf("run extraction: %v: %w", runErr, asynq.SkipRetry)
	}

	// The task context may already be cancelled; the partial result is still stored.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.jobs.Complete(saveCtx, id, out); err != nil {
		return err
	}

	slog.Info("extraction finished",
		"extraction_id", id,
		"status", models.ExtractionStatusFor(out),
		"completed", out.Completed,
		"failed", out.Failed,
		"pending", out.Pending,
	)
	return runErr
}

// ProcessRetryTile handles extraction:retry_tile.
func (w *ExtractionWorker) ProcessRetryTile(ctx context.Context, t *asynq.Task) error {
	var payload queue.ExtractionRetryTilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(payload.ExtractionID)
	if err != nil {
		return fmt.Errorf("parse extraction ID: %v: %w", err, asynq.SkipRetry)
	}

	unlock, err := w.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ext, err := w.jobs.Get(ctx, id)
	if errors.Is(err, extraction.ErrNotFound) {
		return fmt.Errorf("extraction %s: %w", id, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get extraction: %w", err)
	}
	if err := extraction.CheckRetryable(ext, payload.TileIndex); err != nil {
		slog.Info("tile retry no longer applicable", "extraction_id", id, "tile", payload.TileIndex, "reason", err)
		return nil
	}

	src, err := w.jobs.LoadSource(ctx, ext)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	tiles, err := pipeline.NewExtractor(w.recognizer, ext.Config).RetryTile(ctx, src, ext.Tiles, payload.TileIndex)
	if err != nil {
		return fmt.Errorf("retry tile %d: %w", payload.TileIndex, err)
	}

	out, err := w.jobs.SaveTiles(ctx, id, tiles)
	if err != nil {
		return err
	}
	slog.Info("tile retried",
		"extraction_id", id,
		"tile", payload.TileIndex,
		"tile_status", tiles[payload.TileIndex].Status,
		"status", models.ExtractionStatusFor(out),
	)
	return nil
}

func (w *ExtractionWorker) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	if w.locks == nil {
		return func() {}, nil
	}
	key := "lock:extraction:" + id.String()
	ok, err := w.locks.SetNX(ctx, key, time.Now().Unix(), w.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errLocked
	}
	return func() {
		if err := w.locks.Delete(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn("failed to release extraction lock", "extraction_id", id, "error", err)
		}
	}, nil
}

// trackProgress writes tile counts as events arrive, at most once per
// progressEvery, and once more when the channel closes.
func (w *ExtractionWorker) trackProgress(ctx context.Context, id uuid.UUID, events <-chan pipeline.Event) {
	var done, failed, written, writtenFailed int
	var last time.Time
	flush := func() {
		if done == written && failed == writtenFailed {
			return
		}
		if err := w.jobs.UpdateProgress(context.WithoutCancel(ctx), id, done, failed); err != nil {
			slog.Warn("failed to record progress", "extraction_id", id, "error", err)
			return
		}
		written, writtenFailed, last = done, failed, time.Now()
	}

	for ev := range events {
		if !ev.Status.Terminal() {
			continue
		}
		done = max(done, ev.Completed)
		if ev.Status == pipeline.StatusError {
			failed++
		}
		if time.Since(last) >= w.progressEvery {
			flush()
		}
	}
	flush()
}

func (w *ExtractionWorker) fail(ctx context.Context, id uuid.UUID, reason string) {
	if err := w.jobs.Fail(context.WithoutCancel(ctx), id, reason); err != nil {
		slog.Error("failed to mark extraction failed", "extraction_id", id, "error", err)
	}
}
