package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskTypeDispatch is the queue task name for push-notification dispatch.
const TaskTypeDispatch = "push:dispatch"

// QueueName is the asynq queue that carries push tasks.
const QueueName = "push"

// maxDispatchRetries bounds how often a failed dispatch is retried. Push is a
// best-effort backstop; there is no unbounded retry queue.
const maxDispatchRetries = 3

// Payload is the notification handed to the provider. Content stays a
// preview; full message bodies never leave the live channel.
type Payload struct {
	Kind  string            `json:"kind"`  // "message", "call", "call_cancel"
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// dispatchTask is the JSON payload transported via the queue.
type dispatchTask struct {
	UserIDs []string `json:"userIds"`
	Payload Payload  `json:"payload"`
}

// Gateway dispatches push notifications. Implementations are fire-and-forget:
// callers treat errors as log-only and never let them fail the triggering
// operation.
type Gateway interface {
	Push(ctx context.Context, userIDs []string, payload Payload) error
}

// AsynqGateway enqueues push dispatch tasks onto Redis via asynq; a separate
// worker performs the provider call so a slow or down push provider never
// stalls a request handler.
type AsynqGateway struct {
	client *asynq.Client
	logger *zap.Logger
}

func NewAsynqGateway(redisURI string, logger *zap.Logger) (*AsynqGateway, error) {
	if redisURI == "" {
		return nil, errors.New("push: redis uri is required")
	}
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, fmt.Errorf("push: parse redis uri: %w", err)
	}
	return &AsynqGateway{
		client: asynq.NewClient(opt),
		logger: logger,
	}, nil
}

func (g *AsynqGateway) Push(ctx context.Context, userIDs []string, payload Payload) error {
	if len(userIDs) == 0 {
		return nil
	}

	raw, err := json.Marshal(dispatchTask{UserIDs: userIDs, Payload: payload})
	if err != nil {
		return fmt.Errorf("push: marshal dispatch task: %w", err)
	}

	task := asynq.NewTask(TaskTypeDispatch, raw)
	info, err := g.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxDispatchRetries),
	)
	if err != nil {
		return fmt.Errorf("push: enqueue dispatch: %w", err)
	}

	g.logger.Debug("push dispatch enqueued",
		zap.String("task_id", info.ID),
		zap.Int("recipients", len(userIDs)),
		zap.String("kind", payload.Kind),
	)
	return nil
}

func (g *AsynqGateway) Close() error {
	return g.client.Close()
}
