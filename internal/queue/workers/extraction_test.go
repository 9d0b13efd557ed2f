package workers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/tallocr/internal/extraction"
	"github.com/nikhilbhutani/tallocr/internal/models"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
	"github.com/nikhilbhutani/tallocr/internal/queue"
)

type fakeJobs struct {
	mu        sync.Mutex
	ext       *models.Extraction
	src       pipeline.SourceImage
	total     int
	progress  [][2]int
	completed *pipeline.Output
	saved     []pipeline.TileResult
	failed    string
}

func (f *fakeJobs) Get(ctx context.Context, id uuid.UUID) (*models.Extraction, error) {
	if f.ext == nil || f.ext.ID != id {
		return nil, extraction.ErrNotFound
	}
	return f.ext, nil
}

func (f *fakeJobs) LoadSource(ctx context.Context, ext *models.Extraction) (pipeline.SourceImage, error) {
	return f.src, nil
}

func (f *fakeJobs) MarkProcessing(ctx context.Context, id uuid.UUID, total int) error {
	f.total = total
	f.ext.Status = models.ExtractionStatusProcessing
	return nil
}

func (f *fakeJobs) UpdateProgress(ctx context.Context, id uuid.UUID, done, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, [2]int{done, failed})
	return nil
}

func (f *fakeJobs) Complete(ctx context.Context, id uuid.UUID, out *pipeline.Output) error {
	f.completed = out
	return nil
}

func (f *fakeJobs) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	f.failed = reason
	return nil
}

func (f *fakeJobs) SaveTiles(ctx context.Context, id uuid.UUID, tiles []pipeline.TileResult) (*pipeline.Output, error) {
	f.saved = tiles
	out := pipeline.Summarize(tiles)
	f.completed = out
	return out, nil
}

type fakeLocker struct {
	held    map[string]bool
	deleted []string
}

func (l *fakeLocker) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(l.held, k)
		l.deleted = append(l.deleted, k)
	}
	return nil
}

func newSource(t *testing.T, height int) pipeline.SourceImage {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, height))
	for y := 0; y < height; y++ {
		img.SetGray(0, y, color.Gray{Y: uint8(y)})
	}
	src, err := pipeline.NewSourceImage(img)
	require.NoError(t, err)
	return src
}

func newExtraction(cfg pipeline.Config) *models.Extraction {
	return &models.Extraction{
		ID:     uuid.New(),
		Status: models.ExtractionStatusPending,
		Config: cfg,
		Height: 30,
		Width:  8,
	}
}

func runTask(t *testing.T, id uuid.UUID) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.ExtractionRunPayload{ExtractionID: id.String()})
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeExtractionRun, payload)
}

func retryTask(t *testing.T, id uuid.UUID, index int) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.ExtractionRetryTilePayload{ExtractionID: id.String(), TileIndex: index})
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeExtractionRetryTile, payload)
}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.TileHeight = 10
	cfg.OverlapPx = 0
	cfg.MaxConcurrency = 2
	cfg.TileTimeout = time.Second
	return cfg
}

// countingRecognizer labels tiles by call order; failAt makes matching calls fail.
func countingRecognizer(failAt map[int]bool) pipeline.Recognizer {
	var mu sync.Mutex
	n := 0
	return pipeline.RecognizerFunc(func(ctx context.Context, image []byte) (string, error) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()
		if failAt[call] {
			return "", errors.New("backend unavailable")
		}
		return "line", nil
	})
}

func TestProcessRun_CompletesExtraction(t *testing.T) {
	ext := newExtraction(testConfig())
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	locks := &fakeLocker{held: map[string]bool{}}
	w := NewExtractionWorker(jobs, countingRecognizer(nil), locks, time.Minute)

	err := w.ProcessRun(context.Background(), runTask(t, ext.ID))
	require.NoError(t, err)

	assert.Equal(t, 3, jobs.total)
	require.NotNil(t, jobs.completed)
	assert.Equal(t, 3, jobs.completed.Completed)
	assert.Equal(t, models.ExtractionStatusCompleted, models.ExtractionStatusFor(jobs.completed))
	require.NotEmpty(t, jobs.progress)
	assert.Equal(t, [2]int{3, 0}, jobs.progress[len(jobs.progress)-1])
	assert.Empty(t, locks.held, "lock released")
	assert.Len(t, locks.deleted, 1)
}

func TestProcessRun_RecordsFailedTiles(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	ext := newExtraction(cfg)
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	w := NewExtractionWorker(jobs, countingRecognizer(map[int]bool{2: true}), nil, 0)

	require.NoError(t, w.ProcessRun(context.Background(), runTask(t, ext.ID)))

	require.NotNil(t, jobs.completed)
	assert.Equal(t, 2, jobs.completed.Completed)
	assert.Equal(t, 1, jobs.completed.Failed)
	assert.Equal(t, models.ExtractionStatusPartial, models.ExtractionStatusFor(jobs.completed))
	assert.Equal(t, [2]int{3, 1}, jobs.progress[len(jobs.progress)-1])
}

func TestProcessRun_StoresPartialResultOnCancel(t *testing.T) {
	ext := newExtraction(testConfig())
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	w := NewExtractionWorker(jobs, countingRecognizer(nil), nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.ProcessRun(ctx, runTask(t, ext.ID))

	require.Error(t, err)
	assert.Equal(t, pipeline.KindCancellation, pipeline.KindOf(err))
	require.NotNil(t, jobs.completed)
	assert.True(t, jobs.completed.Incomplete)
	assert.Empty(t, jobs.failed)
}

func TestProcessRun_InvalidConfigFailsWithoutRetry(t *testing.T) {
	cfg := testConfig()
	cfg.OverlapPx = cfg.TileHeight
	ext := newExtraction(cfg)
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	w := NewExtractionWorker(jobs, countingRecognizer(nil), nil, 0)

	err := w.ProcessRun(context.Background(), runTask(t, ext.ID))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.NotEmpty(t, jobs.failed)
	assert.Nil(t, jobs.completed)
}

func TestProcessRun_UnknownExtractionIsNotRetried(t *testing.T) {
	w := NewExtractionWorker(&fakeJobs{}, countingRecognizer(nil), nil, 0)
	err := w.ProcessRun(context.Background(), runTask(t, uuid.New()))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessRun_BadPayload(t *testing.T) {
	w := NewExtractionWorker(&fakeJobs{}, countingRecognizer(nil), nil, 0)
	err := w.ProcessRun(context.Background(), asynq.NewTask(queue.TypeExtractionRun, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessRun_SkipsCompletedExtraction(t *testing.T) {
	ext := newExtraction(testConfig())
	ext.Status = models.ExtractionStatusCompleted
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	w := NewExtractionWorker(jobs, countingRecognizer(nil), nil, 0)

	require.NoError(t, w.ProcessRun(context.Background(), runTask(t, ext.ID)))
	assert.Nil(t, jobs.completed)
}

func TestProcessRun_LockedExtraction(t *testing.T) {
	ext := newExtraction(testConfig())
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	locks := &fakeLocker{held: map[string]bool{"lock:extraction:" + ext.ID.String(): true}}
	w := NewExtractionWorker(jobs, countingRecognizer(nil), locks, time.Minute)

	err := w.ProcessRun(context.Background(), runTask(t, ext.ID))
	assert.ErrorIs(t, err, errLocked)
	assert.Nil(t, jobs.completed)
}

func TestProcessRetryTile_SplicesResult(t *testing.T) {
	cfg := testConfig()
	ext := newExtraction(cfg)
	specs, err := pipeline.Plan(30, cfg)
	require.NoError(t, err)
	ext.Status = models.ExtractionStatusPartial
	ext.Tiles = []pipeline.TileResult{
		{TileSpec: specs[0], Status: pipeline.StatusCompleted, Text: "A"},
		{TileSpec: specs[1], Status: pipeline.StatusError, Error: "timeout"},
		{TileSpec: specs[2], Status: pipeline.StatusCompleted, Text: "C"},
	}
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	rec := pipeline.RecognizerFunc(func(ctx context.Context, image []byte) (string, error) {
		return "B", nil
	})
	w := NewExtractionWorker(jobs, rec, nil, 0)

	require.NoError(t, w.ProcessRetryTile(context.Background(), retryTask(t, ext.ID, 1)))

	require.Len(t, jobs.saved, 3)
	assert.Equal(t, pipeline.StatusCompleted, jobs.saved[1].Status)
	assert.Equal(t, "B", jobs.saved[1].Text)
	assert.Equal(t, "A\n\nB\n\nC", jobs.completed.Text)
	assert.Equal(t, models.ExtractionStatusCompleted, models.ExtractionStatusFor(jobs.completed))
}

func TestProcessRetryTile_IgnoresCompletedTile(t *testing.T) {
	cfg := testConfig()
	ext := newExtraction(cfg)
	specs, err := pipeline.Plan(30, cfg)
	require.NoError(t, err)
	ext.Status = models.ExtractionStatusCompleted
	ext.Tiles = []pipeline.TileResult{
		{TileSpec: specs[0], Status: pipeline.StatusCompleted, Text: "A"},
	}
	jobs := &fakeJobs{ext: ext, src: newSource(t, 30)}
	w := NewExtractionWorker(jobs, countingRecognizer(nil), nil, 0)

	require.NoError(t, w.ProcessRetryTile(context.Background(), retryTask(t, ext.ID, 0)))
	assert.Nil(t, jobs.saved)
}
