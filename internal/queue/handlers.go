package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

type HandlersRegistry struct {
	mux *asynq.ServeMux
}

// NewHandlersRegistry returns a registry whose handlers are wrapped with
// task logging.
func NewHandlersRegistry() *HandlersRegistry {
	mux := asynq.NewServeMux()
	mux.Use(logTasks)
	return &HandlersRegistry{mux: mux}
}

func (r *HandlersRegistry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
}

func (r *HandlersRegistry) RegisterFunc(taskType string, fn func(context.Context, *asynq.Task) error) {
	r.mux.HandleFunc(taskType, fn)
}

func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}

func logTasks(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		attrs := []any{"type", t.Type(), "duration_ms", time.Since(start).Milliseconds()}
		if id, ok := asynq.GetTaskID(ctx); ok {
			attrs = append(attrs, "task_id", id)
		}
		if err != nil {
			slog.Error("task failed", append(attrs, "error", err)...)
			return err
		}
		slog.Info("task done", attrs...)
		return nil
	})
}
