// Package server wires the sync engine, its publishers and the HTTP API
// into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/api"
	"github.com/vdavid/vchat/backend/internal/auth"
	"github.com/vdavid/vchat/backend/internal/config"
	"github.com/vdavid/vchat/backend/internal/crypto"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/ingest"
	"github.com/vdavid/vchat/backend/internal/network"
	"github.com/vdavid/vchat/backend/internal/network/mail"
	"github.com/vdavid/vchat/backend/internal/network/telegram"
	"github.com/vdavid/vchat/backend/internal/notify"
	"github.com/vdavid/vchat/backend/internal/queue"
	"github.com/vdavid/vchat/backend/internal/session"
	ws "github.com/vdavid/vchat/backend/internal/websocket"
)

const redeliverConcurrency = 4

// Server wires the sync engine to its HTTP surface.
type Server struct {
	logger   zerolog.Logger
	mux      *http.ServeMux
	sessions *session.Manager
	handler  session.Handler
	fanout   *notify.Fanout
	relay    *notify.RedisRelay
	amqp     *notify.AMQPSink
	queue    *queue.Client
	worker   *queue.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*Server, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	s := &Server{logger: logger.With().Str("component", "server").Logger()}
	store := db.NewStore(pool)

	registry := network.NewRegistry()
	registry.Register(telegram.Name, telegram.NewConnector(telegram.Options{BaseURL: cfg.TelegramBaseURL}, logger))
	registry.Register(mail.Name, mail.NewConnector(mail.Options{PollInterval: cfg.MailPollInterval}, logger))

	s.sessions = session.NewManager(store, registry, encryptor, logger, session.Options{
		DispatchBuffer:       cfg.DispatchBuffer,
		NetworkTimeout:       cfg.NetworkTimeout,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
	})

	broker := notify.NewBroker()
	sinks, err := s.buildSinks(cfg, broker, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.fanout = notify.NewFanout(notify.Options{
		Shards:    cfg.FanoutShards,
		QueueSize: cfg.FanoutQueueSize,
	}, logger, sinks...)

	dispatcher := ingest.NewDispatcher(
		ingest.NewResolver(store),
		ingest.NewTracker(store),
		ingest.NewRecorder(store),
		s.sessions,
		s.fanout,
		logger,
	)

	s.handler = dispatcher
	if cfg.RedisURL != "" {
		if s.queue, err = queue.NewClient(cfg.RedisURL); err != nil {
			s.Close()
			return nil, err
		}
		if s.worker, err = queue.NewWorker(cfg.RedisURL, dispatcher, redeliverConcurrency, logger); err != nil {
			s.Close()
			return nil, err
		}
		s.handler = queue.NewRetryingHandler(dispatcher, s.queue, logger)
	}

	hub := ws.NewHub(cfg.WSMaxPerConversation, logger)

	authHandler := api.NewAuthHandler(pool, logger)
	accountsHandler := api.NewAccountsHandler(pool, encryptor, s.sessions, s.handler, registry.Names(), logger)
	conversationsHandler := api.NewConversationsHandler(pool, dispatcher, logger)
	wsHandler := api.NewWebSocketHandler(pool, hub, broker, logger)

	protected := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(logger, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)

	mux.Handle("GET /api/v1/auth/status", protected(authHandler.GetAuthStatus))

	mux.Handle("GET /api/v1/accounts", protected(accountsHandler.List))
	mux.Handle("POST /api/v1/accounts", protected(accountsHandler.Connect))
	mux.Handle("DELETE /api/v1/accounts/{id}", protected(accountsHandler.Disconnect))
	mux.Handle("GET /api/v1/accounts/{id}/stats", protected(accountsHandler.Stats))

	mux.Handle("GET /api/v1/conversations", protected(conversationsHandler.List))
	mux.Handle("GET /api/v1/conversations/{id}/messages", protected(conversationsHandler.Messages))
	mux.Handle("POST /api/v1/conversations/{id}/messages", protected(conversationsHandler.Send))
	mux.Handle("POST /api/v1/conversations/{id}/read", protected(conversationsHandler.MarkRead))

	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	if cfg.Environment == "test" {
		testHandler := api.NewTestHandler(pool, s.handler, logger)
		mux.Handle("POST /test/accounts/{id}/events", protected(testHandler.InjectEvent))
	}

	s.mux = mux
	return s, nil
}

// buildSinks returns where recorded messages are published. With Redis the
// local broker is fed through the relay so every instance sees every message.
func (s *Server) buildSinks(cfg *config.Config, broker *notify.Broker, logger zerolog.Logger) ([]notify.Sink, error) {
	var sinks []notify.Sink

	if cfg.RedisURL != "" {
		relay, err := notify.NewRedisRelay(cfg.RedisURL, logger, broker)
		if err != nil {
			return nil, err
		}
		s.relay = relay
		sinks = append(sinks, relay)
	} else {
		sinks = append(sinks, broker)
	}

	if cfg.AMQPURL != "" {
		sink, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, err
		}
		s.amqp = sink
		sinks = append(sinks, sink)
	}

	return sinks, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start launches the background runners and resumes every active account.
// Accounts that fail to connect are marked inactive and do not stop startup.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.relay != nil {
		ready := make(chan struct{})
		s.goRun("redis relay", func() error { return s.relay.Run(runCtx, ready) })
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			s.logger.Warn().Msg("redis relay did not subscribe in time")
		}
	}
	if s.worker != nil {
		s.goRun("redelivery worker", func() error { return s.worker.Run(runCtx) })
	}

	opened, err := s.sessions.OpenAll(ctx, s.handler)
	if err != nil {
		return fmt.Errorf("failed to resume sessions: %w", err)
	}
	s.logger.Info().Int("sessions", opened).Msg("sessions resumed")
	return nil
}

func (s *Server) goRun(name string, run func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("runner", name).Msg("background runner stopped")
		}
	}()
}

// Close stops sessions first so no new events arrive, then drains
// publishing and releases the external connections.
func (s *Server) Close() {
	if s.sessions != nil {
		s.sessions.CloseAll()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.fanout != nil {
		s.fanout.Close()
	}
	if s.relay != nil {
		_ = s.relay.Close()
	}
	if s.amqp != nil {
		_ = s.amqp.Close()
	}
	if s.queue != nil {
		_ = s.queue.Close()
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "V-Chat API is running")
}
