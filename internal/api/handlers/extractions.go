package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/tallocr/internal/auth"
	"github.com/nikhilbhutani/tallocr/internal/extraction"
	"github.com/nikhilbhutani/tallocr/internal/imageio"
	"github.com/nikhilbhutani/tallocr/internal/models"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

// ExtractionService is what the extraction routes need from the job service.
type ExtractionService interface {
	Create(ctx context.Context, req extraction.CreateRequest) (*models.Extraction, error)
	ExtractNow(ctx context.Context, data []byte, o extraction.Overrides) (*pipeline.Output, error)
	GetForOwner(ctx context.Context, id uuid.UUID, ownerID string) (*models.Extraction, error)
	List(ctx context.Context, ownerID string, limit, offset int) ([]models.Extraction, error)
	Delete(ctx context.Context, id uuid.UUID, ownerID string) error
	RequestTileRetry(ctx context.Context, id uuid.UUID, ownerID string, index int) error
}

type ExtractionHandler struct {
	svc       ExtractionService
	maxUpload int64
}

func NewExtractionHandler(svc ExtractionService, maxUploadBytes int64) *ExtractionHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &ExtractionHandler{svc: svc, maxUpload: maxUploadBytes}
}

type syncResponse struct {
	Text       string                `json:"text"`
	Tiles      []pipeline.TileResult `json:"tiles"`
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
	Incomplete bool                  `json:"incomplete"`
}

type upload struct {
	fileName  string
	data      []byte
	overrides extraction.Overrides
}

// readUpload parses the multipart body; on failure it has already answered.
func (h *ExtractionHandler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	if r.ContentLength > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload")
		return nil, false
	}

	overrides, err := extraction.ParseOverrides(r.Form)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return &upload{fileName: header.Filename, data: data, overrides: overrides}, true
}

func (h *ExtractionHandler) Create(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	ext, err := h.svc.Create(r.Context(), extraction.CreateRequest{
		OwnerID:   auth.OwnerID(r.Context()),
		FileName:  up.fileName,
		Data:      up.data,
		Overrides: up.overrides,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ext)
}

func (h *ExtractionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	out, err := h.svc.ExtractNow(r.Context(), up.data, up.overrides)
	if err != nil && out == nil {
		writeServiceError(w, err)
		return
	}
	if err != nil {
		slog.Warn("sync extraction cancelled", "error", err, "completed", out.Completed, "pending", out.Pending)
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Text:       out.Text,
		Tiles:      out.Tiles,
		Completed:  out.Completed,
		Failed:     out.Failed,
		Incomplete: out.Incomplete,
	})
}

func (h *ExtractionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	exts, err := h.svc.List(r.Context(), auth.OwnerID(r.Context()), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if exts == nil {
		exts = []models.Extraction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"extractions": exts, "count": len(exts)})
}

func (h *ExtractionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (h *ExtractionHandler) Tiles(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.load(w, r)
	if !ok {
		return
	}
	tiles := ext.Tiles
	if tiles == nil {
		tiles = []pipeline.TileResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     ext.ID,
		"status": ext.Status,
		"tiles":  tiles,
	})
}

func (h *ExtractionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id, auth.OwnerID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *ExtractionHandler) RetryTile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tile index")
		return
	}

	if err := h.svc.RequestTileRetry(r.Context(), id, auth.OwnerID(r.Context()), index); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "tile": index, "status": "queued"})
}

func (h *ExtractionHandler) load(w http.ResponseWriter, r *http.Request) (*models.Extraction, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return nil, false
	}
	ext, err := h.svc.GetForOwner(r.Context(), id, auth.OwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return ext, true
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extraction ID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service and pipeline errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case pipeline.KindOf(err) == pipeline.KindConfiguration:
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, imageio.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, imageio.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, extraction.ErrInvalidImage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, extraction.ErrNotFound):
		writeError(w, http.StatusNotFound, "extraction not found")
	case errors.Is(err, extraction.ErrBusy), errors.Is(err, extraction.ErrTileNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case pipeline.KindOf(err) == pipeline.KindCancellation:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
