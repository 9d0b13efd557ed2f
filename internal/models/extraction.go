package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

// Extraction is one screenshot OCR job and, once run, its merged text.
type Extraction struct {
	ID            uuid.UUID             `json:"id" db:"id"`
	OwnerID       string                `json:"owner_id" db:"owner_id"`
	FileName      string                `json:"file_name" db:"file_name"`
	FilePath      string                `json:"-" db:"file_path"`
	ContentType   string                `json:"content_type" db:"content_type"`
	FileSizeBytes int64                 `json:"file_size_bytes" db:"file_size_bytes"`
	Width         int                   `json:"width" db:"width"`
	Height        int                   `json:"height" db:"height"`
	Config        pipeline.Config       `json:"config" db:"config"`
	Status        string                `json:"status" db:"status"`
	TilesTotal    int                   `json:"tiles_total" db:"tiles_total"`
	TilesDone     int                   `json:"tiles_done" db:"tiles_done"`
	TilesFailed   int                   `json:"tiles_failed" db:"tiles_failed"`
	Text          string                `json:"text,omitempty" db:"text"`
	Tiles         []pipeline.TileResult `json:"-" db:"tiles"`
	Error         string                `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
}

const (
	ExtractionStatusPending    = "pending"
	ExtractionStatusProcessing = "processing"
	ExtractionStatusCompleted  = "completed"
	ExtractionStatusPartial    = "partial"
	ExtractionStatusFailed     = "failed"
)

// ExtractionStatusFor maps a run's tile counts onto a job status: every tile
// read is completed, none read is failed, anything between is partial.
func ExtractionStatusFor(out *pipeline.Output) string {
	switch {
	case out == nil || out.Completed == 0:
		return ExtractionStatusFailed
	case out.Failed == 0 && out.Pending == 0:
		return ExtractionStatusCompleted
	default:
		return ExtractionStatusPartial
	}
}
