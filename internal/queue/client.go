package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/tallocr/internal/config"
)

type Client struct {
	client     *asynq.Client
	jobTimeout time.Duration
}

func NewClient(cfg config.RedisConfig, jobTimeout time.Duration) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		jobTimeout: jobTimeout,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueExtraction schedules a full pipeline run. The task ID is the
// extraction ID, so a duplicate request for the same job is rejected.
func (c *Client) EnqueueExtraction(ctx context.Context, id uuid.UUID) error {
	return c.enqueue(ctx, TypeExtractionRun, ExtractionRunPayload{ExtractionID: id.String()},
		asynq.TaskID("run:"+id.String()),
		asynq.MaxRetry(1),
		asynq.Timeout(c.jobTimeout),
	)
}

// EnqueueTileRetry goes to the critical queue; a single tile is quick and a
// user is waiting on it.
func (c *Client) EnqueueTileRetry(ctx context.Context, id uuid.UUID, index int) error {
	return c.enqueue(ctx, TypeExtractionRetryTile, ExtractionRetryTilePayload{ExtractionID: id.String(), TileIndex: index},
		asynq.Queue("critical"),
		asynq.MaxRetry(2),
		asynq.Timeout(5*time.Minute),
	)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
