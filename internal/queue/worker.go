package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/session"
)

// Worker processes redeliver tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates a worker that replays events through handler.
func NewWorker(redisURL string, handler session.Handler, concurrency int, logger zerolog.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	logger = logging.Component(logger, "queue_worker")
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Name: 1},
		Logger:      asynqLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("type", task.Type()).Msg("Task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRedeliver, RedeliverHandler(handler))

	return &Worker{server: server, mux: mux}, nil
}

// Run processes tasks until ctx ends, then shuts down gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

// RedeliverHandler decodes a TypeRedeliver task and hands the event to handler.
// Undecodable payloads are not retried.
func RedeliverHandler(handler session.Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload RedeliverPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid redeliver payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.AccountID == "" {
			return fmt.Errorf("redeliver payload has no account: %w", asynq.SkipRetry)
		}
		return handler.HandleEvent(ctx, payload.AccountID, payload.Event)
	}
}

// asynqLogger routes asynq's logs to zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
