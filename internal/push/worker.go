package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Provider performs the actual delivery to a push service (APNs/FCM). The
// provider integration is external to the coordination core; LogProvider
// stands in where no provider is configured.
type Provider interface {
	Send(ctx context.Context, userIDs []string, payload Payload) error
}

// LogProvider records dispatches without contacting a push service.
type LogProvider struct {
	Logger *zap.Logger
}

func (p *LogProvider) Send(_ context.Context, userIDs []string, payload Payload) error {
	p.Logger.Info("push dispatched",
		zap.Strings("user_ids", userIDs),
		zap.String("kind", payload.Kind),
		zap.String("title", payload.Title),
	)
	return nil
}

// Worker consumes push:dispatch tasks from the queue.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	provider Provider
	logger   *zap.Logger
}

func NewWorker(redisURI string, provider Provider, logger *zap.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, fmt.Errorf("push: parse redis uri: %w", err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn("push task failed",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	w := &Worker{
		server:   srv,
		mux:      asynq.NewServeMux(),
		provider: provider,
		logger:   logger,
	}
	w.mux.HandleFunc(TaskTypeDispatch, w.handleDispatch)
	return w, nil
}

func (w *Worker) handleDispatch(ctx context.Context, t *asynq.Task) error {
	var task dispatchTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		// malformed payload: retrying cannot help
		w.logger.Error("malformed push task payload", zap.Error(err))
		return nil
	}
	return w.provider.Send(ctx, task.UserIDs, task.Payload)
}

// Run starts the worker and blocks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

// Stop shuts the worker down without waiting for the run context.
func (w *Worker) Stop() {
	w.server.Shutdown()
}
