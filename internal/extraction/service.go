// Package extraction manages screenshot OCR jobs: upload, queueing, progress
// and the stored result.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/tallocr/internal/imageio"
	"github.com/nikhilbhutani/tallocr/internal/models"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
	"github.com/nikhilbhutani/tallocr/internal/storage"
)

var (
	ErrNotFound         = errors.New("extraction not found")
	ErrInvalidImage     = errors.New("invalid image")
	ErrBusy             = errors.New("extraction is still running")
	ErrTileNotRetryable = errors.New("tile is not retryable")
)

// Enqueuer schedules background work for an extraction.
type Enqueuer interface {
	EnqueueExtraction(ctx context.Context, id uuid.UUID) error
	EnqueueTileRetry(ctx context.Context, id uuid.UUID, index int) error
}

type Service struct {
	db         *pgxpool.Pool
	storage    storage.Storage
	queue      Enqueuer
	recognizer pipeline.Recognizer
	bucket     string
	defaults   pipeline.Config
	maxPixels  int64
}

type Options struct {
	Bucket     string
	Defaults   pipeline.Config
	MaxPixels  int64
	Recognizer pipeline.Recognizer
}

func NewService(db *pgxpool.Pool, store storage.Storage, q Enqueuer, opts Options) *Service {
	return &Service{
		db:         db,
		storage:    store,
		queue:      q,
		recognizer: opts.Recognizer,
		bucket:     opts.Bucket,
		defaults:   opts.Defaults,
		maxPixels:  opts.MaxPixels,
	}
}

type CreateRequest struct {
	OwnerID   string
	FileName  string
	Data      []byte
	Overrides Overrides
}

// Create validates the settings against the image, stores the upload and
// queues the run. Configuration problems surface as pipeline configuration
// errors before anything is stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Extraction, error) {
	cfg := req.Overrides.Apply(s.defaults)

	dec, err := imageio.Decode(req.Data, s.maxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	specs, err := pipeline.Plan(dec.Source.Height, cfg)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	path := objectPath(req.OwnerID, id, dec.Format)
	if err := s.storage.Upload(ctx, s.bucket, path, bytes.NewReader(req.Data), dec.ContentType()); err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}

	ext, err := scanExtraction(s.db.QueryRow(ctx,
		`INSERT INTO extractions (id, owner_id, file_name, file_path, content_type, file_size_bytes, width, height, config, status, tiles_total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+extractionColumns,
		id, req.OwnerID, req.FileName, path, dec.ContentType(), int64(len(req.Data)),
		dec.Source.Width, dec.Source.Height, cfg, models.ExtractionStatusPending, len(specs),
	))
	if err != nil {
		return nil, fmt.Errorf("insert extraction: %w", err)
	}

	if err := s.queue.EnqueueExtraction(ctx, id); err != nil {
		_ = s.Fail(ctx, id, "could not be queued")
		return nil, fmt.Errorf("enqueue extraction: %w", err)
	}

	slog.Info("extraction created",
		"extraction_id", id,
		"width", ext.Width,
		"height", ext.Height,
		"tiles", len(specs),
	)
	return ext, nil
}

// ExtractNow runs the pipeline inline without storing anything.
func (s *Service) ExtractNow(ctx context.Context, data []byte, o Overrides) (*pipeline.Output, error) {
	cfg := o.Apply(s.defaults)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dec, err := imageio.Decode(data, s.maxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return pipeline.NewExtractor(s.recognizer, cfg).Extract(ctx, dec.Source, nil)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Extraction, error) {
	ext, err := scanExtraction(s.db.QueryRow(ctx,
		`SELECT `+extractionColumns+` FROM extractions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get extraction: %w", err)
	}
	return ext, nil
}

// GetForOwner hides extractions that belong to someone else.
func (s *Service) GetForOwner(ctx context.Context, id uuid.UUID, ownerID string) (*models.Extraction, error) {
	ext, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ext.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return ext, nil
}

func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]models.Extraction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+extractionColumns+` FROM extractions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list extractions: %w", err)
	}
	defer rows.Close()

	var out []models.Extraction
	for rows.Next() {
		ext, err := scanExtraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan extraction: %w", err)
		}
		out = append(out, *ext)
	}
	return out, rows.Err()
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	ext, err := s.GetForOwner(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if ext.Status == models.ExtractionStatusProcessing {
		return ErrBusy
	}
	if err := s.storage.Delete(ctx, s.bucket, ext.FilePath); err != nil {
		slog.Warn("failed to delete screenshot", "extraction_id", id, "error", err)
	}
	_, err = s.db.Exec(ctx, "DELETE FROM extractions WHERE id = $1", id)
	return err
}

// LoadSource downloads and decodes the stored screenshot.
func (s *Service) LoadSource(ctx context.Context, ext *models.Extraction) (pipeline.SourceImage, error) {
	rc, err := s.storage.Download(ctx, s.bucket, ext.FilePath)
	if err != nil {
		return pipeline.SourceImage{}, fmt.Errorf("download screenshot: %w", err)
	}
	defer rc.Close()

	dec, err := imageio.DecodeReader(rc, s.maxPixels)
	if err != nil {
		return pipeline.SourceImage{}, fmt.Errorf("decode screenshot: %w", err)
	}
	return dec.Source, nil
}

func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE extractions SET status = $1, tiles_total = $2, tiles_done = 0, tiles_failed = 0, error = '', updated_at = now()
		 WHERE id = $3`,
		models.ExtractionStatusProcessing, total, id)
	return err
}

func (s *Service) UpdateProgress(ctx context.Context, id uuid.UUID, done, failed int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE extractions SET tiles_done = GREATEST(tiles_done, $1), tiles_failed = GREATEST(tiles_failed, $2), updated_at = now()
		 WHERE id = $3`,
		done, failed, id)
	return err
}

// Complete stores a run's merged text and tile table with the status it earns.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, out *pipeline.Output) error {
	status := models.ExtractionStatusFor(out)
	msg := ""
	switch {
	case out.Incomplete:
		msg = "run cancelled before every tile was read"
	case out.Failed > 0:
		msg = fmt.Sprintf("%d of %d tiles failed", out.Failed, len(out.Tiles))
	}
	tiles := out.Tiles
	if tiles == nil {
		tiles = []pipeline.TileResult{}
	}

	_, err := s.db.Exec(ctx,
		`UPDATE extractions
		 SET status = $1, text = $2, tiles = $3, tiles_total = $4, tiles_done = $5, tiles_failed = $6,
		     error = $7, updated_at = now(), completed_at = now()
		 WHERE id = $8`,
		status, out.Text, tiles, len(out.Tiles), out.Completed+out.Failed, out.Failed, msg, id)
	if err != nil {
		return fmt.Errorf("store extraction result: %w", err)
	}
	return nil
}

func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE extractions SET status = $1, error = $2, updated_at = now(), completed_at = now() WHERE id = $3`,
		models.ExtractionStatusFailed, reason, id)
	return err
}

// RequestTileRetry queues a re-run of one failed or unread tile of a
// finished extraction.
func (s *Service) RequestTileRetry(ctx context.Context, id uuid.UUID, ownerID string, index int) error {
	ext, err := s.GetForOwner(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if err := CheckRetryable(ext, index); err != nil {
		return err
	}
	return s.queue.EnqueueTileRetry(ctx, id, index)
}

// SaveTiles re-merges a tile table after a retry and stores it.
func (s *Service) SaveTiles(ctx context.Context, id uuid.UUID, tiles []pipeline.TileResult) (*pipeline.Output, error) {
	out := pipeline.Summarize(tiles)
	return out, s.Complete(ctx, id, out)
}

// CheckRetryable reports whether tile index of ext may be re-run.
func CheckRetryable(ext *models.Extraction, index int) error {
	switch ext.Status {
	case models.ExtractionStatusPending, models.ExtractionStatusProcessing:
		return ErrBusy
	}
	if index < 0 || index >= len(ext.Tiles) {
		return fmt.Errorf("%w: tile %d out of range (0..%d)", ErrTileNotRetryable, index, len(ext.Tiles)-1)
	}
	if st := ext.Tiles[index].Status; st == pipeline.StatusCompleted {
		return fmt.Errorf("%w: tile %d already completed", ErrTileNotRetryable, index)
	}
	return nil
}

func objectPath(ownerID string, id uuid.UUID, format string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	return fmt.Sprintf("%s/%s.%s", ownerID, id, format)
}

const extractionColumns = `id, owner_id, file_name, file_path, content_type, file_size_bytes, width, height, config,
	status, tiles_total, tiles_done, tiles_failed, text, tiles, error, created_at, updated_at, completed_at`

func scanExtraction(row pgx.Row) (*models.Extraction, error) {
	var e models.Extraction
	err := row.Scan(&e.ID, &e.OwnerID, &e.FileName, &e.FilePath, &e.ContentType, &e.FileSizeBytes,
		&e.Width, &e.Height, &e.Config, &e.Status, &e.TilesTotal, &e.TilesDone, &e.TilesFailed,
		&e.Text, &e.Tiles, &e.Error, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
