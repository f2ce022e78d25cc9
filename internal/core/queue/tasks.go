// Package queue carries ingestion jobs over Redis with asynq so that uploads
// survive an API restart and can be drained by a separate worker process.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
)

const (
	TaskIngestSource = "source:ingest"
	QueueIngest      = "ingestion"
)

type IngestPayload struct {
	SourceID string `json:"source_id"`
}

// NewIngestTask builds the task for one pipeline run. Duplicate tasks are harmless:
// only the run that claims PENDING -> PROCESSING does any work.
func NewIngestTask(sourceID string, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestPayload{SourceID: sourceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskIngestSource,
		payload,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.Queue(QueueIngest),
	), nil
}

var _ core.IngestDispatcher = (*AsynqDispatcher)(nil)

// AsynqDispatcher enqueues ingestion runs into Redis.
type AsynqDispatcher struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

func NewAsynqDispatcher(client *asynq.Client, maxRetry int, timeout time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, maxRetry: maxRetry, timeout: timeout}
}

func (d *AsynqDispatcher) Enqueue(ctx context.Context, sourceID string) error {
	task, err := NewIngestTask(sourceID, d.maxRetry, d.timeout)
	if err != nil {
		return fmt.Errorf("build ingest task: %w", err)
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", sourceID, err)
	}
	return nil
}

// TaskHandler runs queued ingestion tasks through a SourceProcessor.
type TaskHandler struct {
	proc core.SourceProcessor
	log  *logger.Logger
}

func NewTaskHandler(proc core.SourceProcessor, log *logger.Logger) *TaskHandler {
	return &TaskHandler{proc: proc, log: log}
}

// HandleIngest returns an error (and so asks for a retry) only when the status store failed.
func (h *TaskHandler) HandleIngest(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.SourceID == "" {
		return fmt.Errorf("bad ingest payload %q: %w", t.Payload(), asynq.SkipRetry)
	}
	h.log.Debug("ingest task received", "source_id", payload.SourceID)
	return h.proc.ProcessOne(ctx, payload.SourceID)
}

func NewServeMux(h *TaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskIngestSource, h.HandleIngest)
	return mux
}

func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, log *logger.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{QueueIngest: 1},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error("ingest task failed", "type", task.Type(), "payload", string(task.Payload()), "err", err)
			}),
			Logger: asynqLogger{log},
		},
	)
}

// asynqLogger routes asynq's internal logging through zap.
type asynqLogger struct{ log *logger.Logger }

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal(fmt.Sprint(args...)) }
