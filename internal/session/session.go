package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/network"
)

// Session is the live connection of one account: a network pump and a
// dispatch worker joined by a bounded channel.
type Session struct {
	accountID   string
	manager     *Manager
	connector   network.Connector
	credentials network.Credentials
	handler     Handler
	logger      zerolog.Logger
	cancel      context.CancelFunc
	done        chan struct{}
	failOnce    sync.Once

	mu    sync.Mutex
	conn  network.Conn // nil while reconnecting
	saved []byte       // last persisted session material
	err   error
}

// AccountID returns the account the session belongs to.
func (s *Session) AccountID() string {
	return s.accountID
}

// Done is closed once the session loops have exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, or nil while it runs or
// after a regular Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool {
	return s.currentConn() != nil
}

func (s *Session) currentConn() network.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) setConn(conn network.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *Session) savedMaterial() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func (s *Session) stop() {
	s.cancel()
	<-s.done
}

// terminate stops the session for good and marks the account inactive.
func (s *Session) terminate(cause error) {
	s.stop()
	s.fail(cause)
}

func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()

	s.failOnce.Do(func() {
		s.logger.Error().Err(cause).Str("kind", network.Kind(cause)).Msg("Session stopped")
		if err := s.manager.store.DeactivateAccount(context.Background(), s.accountID, network.StatusReason(cause)); err != nil {
			s.logger.Error().Err(err).Msg("Failed to mark account inactive")
		}
	})
}

// run serves the connection and reconnects after transient failures. A
// session started without a connection reconnects after cause first.
func (s *Session) run(ctx context.Context, cause error) {
	defer close(s.done)

	conn := s.currentConn()
	if conn == nil {
		if conn = s.reestablish(ctx, cause); conn == nil {
			return
		}
	}
	for {
		err := s.serve(ctx, conn)

		s.setConn(nil)
		s.saveMaterial(conn)
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Debug().Err(closeErr).Msg("Failed to close connection")
		}

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, network.ErrAuth) {
			s.manager.forget(s)
			s.fail(err)
			return
		}
		if err == nil {
			err = network.TransportError("receive", errors.New("connection ended"))
		}

		s.logger.Warn().Err(err).Str("kind", network.Kind(err)).Msg("Connection lost, reconnecting")
		s.setStatus(err)

		if conn = s.reestablish(ctx, err); conn == nil {
			return
		}
	}
}

// reestablish reconnects and installs the new connection. It returns nil when the
// session must end.
func (s *Session) reestablish(ctx context.Context, cause error) network.Conn {
	conn, err := s.reconnect(ctx, cause)
	if err != nil {
		if errors.Is(err, network.ErrAuth) {
			s.manager.forget(s)
			s.fail(err)
		}
		return nil
	}
	s.setConn(conn)
	return conn
}

// serve runs conn until it fails or ctx ends. Events are handled one at a
// time in arrival order.
func (s *Session) serve(ctx context.Context, conn network.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries := make(chan network.Delivery, s.manager.opts.DispatchBuffer)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.work(ctx, conn, deliveries)
	}()

	err := conn.Run(ctx, deliveries)
	cancel()
	<-workerDone
	return err
}

func (s *Session) work(ctx context.Context, conn network.Conn, deliveries <-chan network.Delivery) {
	ticker := time.NewTicker(s.manager.opts.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.saveMaterial(conn)
		case delivery := <-deliveries:
			err := s.handler.HandleEvent(ctx, s.accountID, delivery.Event)
			if err != nil && ctx.Err() == nil {
				s.logger.Error().
					Err(err).
					Int64("external_message_id", delivery.Event.ExternalMessageID).
					Msg("Failed to handle event")
			}
			delivery.Done(err)
		}
	}
}

// reconnect retries Connect with exponential backoff until it succeeds,
// the login is rejected or ctx ends. A rate-limit hint stretches the wait.
// The account is not re-activated; only changed session material is saved.
func (s *Session) reconnect(ctx context.Context, cause error) (network.Conn, error) {
	opts := s.manager.opts

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectInitialInterval
	b.MaxInterval = opts.ReconnectMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if hint, ok := network.RetryAfter(cause); ok && hint > wait {
			wait = hint
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		connectCtx, cancel := context.WithTimeout(ctx, opts.NetworkTimeout)
		conn, err := s.connector.Connect(connectCtx, s.credentials, s.savedMaterial())
		cancel()
		if err == nil {
			s.saveMaterial(conn)
			s.setStatus(nil)
			s.logger.Info().Int("attempts", attempt).Msg("Reconnected")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, network.ErrAuth) {
			return nil, err
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
		cause = err
	}
}

// saveMaterial persists the connection's session material if it changed
// since the last save.
func (s *Session) saveMaterial(conn network.Conn) {
	material := conn.SessionMaterial()
	if bytes.Equal(material, s.savedMaterial()) {
		return
	}

	encrypted, err := s.manager.encryptor.Encrypt(material)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encrypt session material")
		return
	}
	if err := s.manager.store.UpdateAccountSession(context.Background(), s.accountID, encrypted); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save session material")
		return
	}

	s.mu.Lock()
	s.saved = material
	s.mu.Unlock()
}

func (s *Session) setStatus(cause error) {
	if err := s.manager.store.SetAccountStatus(context.Background(), s.accountID, network.StatusReason(cause)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to update account status")
	}
}
