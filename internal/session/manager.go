// Package session keeps one live network connection per linked account,
// feeds its inbound events to a handler and exposes the send capability.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vchat/backend/internal/crypto"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/network"
)

// Handler consumes inbound events of an account. A nil error acknowledges the event.
type Handler interface {
	HandleEvent(ctx context.Context, accountID string, event network.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, accountID string, event network.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, accountID string, event network.Event) error {
	return f(ctx, accountID, event)
}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	// DispatchBuffer is the capacity of the channel between a connection and its worker.
	DispatchBuffer int
	// NetworkTimeout bounds Connect and Send calls.
	NetworkTimeout           time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// SaveInterval is how often changed session material is persisted while connected.
	SaveInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DispatchBuffer <= 0 {
		o.DispatchBuffer = 64
	}
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = 30 * time.Second
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = time.Second
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 5 * time.Minute
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = 30 * time.Second
	}
	return o
}

// Manager owns the sessions of all open accounts.
type Manager struct {
	store     db.AccountStore
	registry  *network.Registry
	encryptor *crypto.Encryptor
	logger    zerolog.Logger
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(store db.AccountStore, registry *network.Registry, encryptor *crypto.Encryptor, logger zerolog.Logger, opts Options) *Manager {
	return &Manager{
		store:     store,
		registry:  registry,
		encryptor: encryptor,
		logger:    logging.Component(logger, "session"),
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*Session),
	}
}

// Open authenticates the account and starts delivering its events to handler.
// An already open session of the account is closed first.
//
// On success the refreshed session material is saved and the account is
// marked active. On failure the account is marked inactive with the failure
// kind, and the typed network error is returned.
func (m *Manager) Open(ctx context.Context, accountID string, handler Handler) (*Session, error) {
	return m.open(ctx, accountID, handler, false)
}

// Resume is Open for an account that was already active, as on restart. A
// transient network failure or rate limit on the first connect keeps the
// account active: the reason is recorded and the returned session keeps
// reconnecting with backoff. Only a rejected login deactivates the account.
func (m *Manager) Resume(ctx context.Context, accountID string, handler Handler) (*Session, error) {
	return m.open(ctx, accountID, handler, true)
}

func (m *Manager) open(ctx context.Context, accountID string, handler Handler, resume bool) (*Session, error) {
	m.Close(accountID)

	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	logger := m.logger.With().Str("account_id", accountID).Str("network", account.Network).Logger()

	connector, err := m.registry.Get(account.Network)
	if err != nil {
		m.markInactive(ctx, logger, accountID, err)
		return nil, err
	}

	var credentials network.Credentials
	if err := m.encryptor.DecryptJSON(account.EncryptedCredentials, &credentials); err != nil {
		err = fmt.Errorf("failed to decrypt credentials: %w", err)
		m.markInactive(ctx, logger, accountID, err)
		return nil, err
	}

	var material []byte
	if len(account.EncryptedSession) > 0 {
		material, err = m.encryptor.Decrypt(account.EncryptedSession)
		if err != nil {
			logger.Warn().Err(err).Msg("Discarding unreadable session material")
			material = nil
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.NetworkTimeout)
	conn, err := connector.Connect(connectCtx, credentials, material)
	cancel()
	if err != nil {
		if resume && transient(err) {
			logger.Warn().Err(err).Str("kind", network.Kind(err)).Msg("Connect failed, retrying in the background")
			if statusErr := m.store.SetAccountStatus(context.WithoutCancel(ctx), accountID, network.StatusReason(err)); statusErr != nil {
				logger.Error().Err(statusErr).Msg("Failed to update account status")
			}
			return m.start(accountID, connector, credentials, handler, logger, nil, material, err), nil
		}
		m.markInactive(ctx, logger, accountID, err)
		return nil, err
	}

	material = conn.SessionMaterial()
	encrypted, err := m.encryptor.Encrypt(material)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to encrypt session material: %w", err)
	}
	if err := m.store.ActivateAccount(ctx, accountID, encrypted); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to activate account: %w", err)
	}

	s := m.start(accountID, connector, credentials, handler, logger, conn, material, nil)
	logger.Info().Msg("Session opened")
	return s, nil
}

// start registers a session and runs it. A nil conn makes the session begin
// with a reconnect after cause.
func (m *Manager) start(accountID string, connector network.Connector, credentials network.Credentials, handler Handler, logger zerolog.Logger, conn network.Conn, material []byte, cause error) *Session {
	runCtx, stop := context.WithCancel(context.Background())
	s := &Session{
		accountID:   accountID,
		manager:     m,
		connector:   connector,
		credentials: credentials,
		handler:     handler,
		logger:      logger,
		cancel:      stop,
		done:        make(chan struct{}),
		conn:        conn,
		saved:       material,
	}

	m.mu.Lock()
	if previous, ok := m.sessions[accountID]; ok {
		// Lost a race with a concurrent Open of the same account.
		m.mu.Unlock()
		previous.stop()
		m.mu.Lock()
	}
	m.sessions[accountID] = s
	m.mu.Unlock()

	go s.run(runCtx, cause)
	return s
}

// transient reports whether a connect failure is worth retrying.
func transient(err error) bool {
	return errors.Is(err, network.ErrNetwork) ||
		errors.Is(err, network.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) markInactive(ctx context.Context, logger zerolog.Logger, accountID string, cause error) {
	logger.Warn().Err(cause).Str("kind", network.Kind(cause)).Msg("Failed to open session")
	if err := m.store.DeactivateAccount(context.WithoutCancel(ctx), accountID, network.StatusReason(cause)); err != nil {
		logger.Error().Err(err).Msg("Failed to mark account inactive")
	}
}

// OpenAll resumes every active account and returns how many sessions started,
// including those still reconnecting. Failures are recorded on the accounts
// and logged.
func (m *Manager) OpenAll(ctx context.Context, handler Handler) (int, error) {
	accounts, err := m.store.ListActiveAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active accounts: %w", err)
	}

	opened := 0
	for _, account := range accounts {
		if _, err := m.Resume(ctx, account.ID, handler); err != nil {
			continue
		}
		opened++
	}
	return opened, nil
}

// Get returns the open session of the account, if any.
func (m *Manager) Get(accountID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// Close stops the account's session and waits for its loops to exit.
// It is a no-op when no session is open.
func (m *Manager) Close(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if ok {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()

	if ok {
		s.stop()
		s.logger.Info().Msg("Session closed")
	}
}

// CloseAll stops every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for accountID, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stop()
		}()
	}
	wg.Wait()
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.accountID] == s {
		delete(m.sessions, s.accountID)
	}
}

var errReconnecting = errors.New("session is reconnecting")

// Send delivers text through the account's live connection. An account
// without an open session fails with network.ErrAuth. A rejected login
// during the send ends the session.
func (m *Manager) Send(ctx context.Context, accountID string, to network.Recipient, text string) (*network.Sent, error) {
	s, ok := m.Get(accountID)
	if !ok {
		return nil, network.AuthError("account %s is not connected", accountID)
	}

	conn := s.currentConn()
	if conn == nil {
		return nil, network.TransportError("send", errReconnecting)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.opts.NetworkTimeout)
	defer cancel()

	sent, err := conn.Send(sendCtx, to, text)
	if err != nil {
		if errors.Is(err, network.ErrAuth) {
			m.forget(s)
			s.terminate(err)
		}
		return nil, err
	}
	return sent, nil
}
