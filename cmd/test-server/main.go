// Command test-server runs the API against throwaway infrastructure for
// end-to-end tests: a Postgres container, in-memory IMAP and SMTP servers and
// one mail account for test@example.com that receives a few messages after start.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/vchat/backend/internal/config"
	"github.com/vdavid/vchat/backend/internal/crypto"
	"github.com/vdavid/vchat/backend/internal/db"
	"github.com/vdavid/vchat/backend/internal/logging"
	"github.com/vdavid/vchat/backend/internal/models"
	"github.com/vdavid/vchat/backend/internal/network/mail"
	"github.com/vdavid/vchat/backend/internal/server"
	"github.com/vdavid/vchat/backend/internal/testutil"
	"github.com/vdavid/vchat/backend/migrations"
)

const testOwner = "test@example.com"

func main() {
	logger := logging.New("debug", "console")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("test server failed")
	}
}

func run(logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := setupTestEnvironment(); err != nil {
		return fmt.Errorf("failed to setup test environment: %w", err)
	}

	postgresContainer, connStr, err := startPostgres(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to terminate Postgres container")
		}
	}()

	imapServer, smtpServer, err := startMailServers(logger)
	if err != nil {
		return err
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	cfg, pool, err := setupDatabase(ctx, connStr, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := seedMailAccount(ctx, pool, cfg, imapServer, smtpServer); err != nil {
		return fmt.Errorf("failed to seed mail account: %w", err)
	}
	logger.Info().Str("owner", testOwner).Msg("mail account seeded")

	srv, err := server.New(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	// The session has picked its starting UID by now, so these arrive as new mail.
	if err := seedTestData(imapServer); err != nil {
		return fmt.Errorf("failed to seed test data: %w", err)
	}

	return serve(ctx, cfg, srv, imapServer, smtpServer, logger)
}

// setupTestEnvironment sets the variables config.NewConfig requires.
func setupTestEnvironment() error {
	env := map[string]string{
		"VCHAT_ENV":                   "test",
		"VCHAT_TEST_MODE":             "true",
		"VCHAT_ENCRYPTION_KEY_BASE64": testutil.TestEncryptionKeyBase64(),
		"VCHAT_DB_PASSWORD":           "vchat",
		"VCHAT_MAIL_POLL_INTERVAL":    "1s",
	}
	for key, value := range env {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startPostgres starts a test Postgres database using testcontainers.
func startPostgres(ctx context.Context, logger zerolog.Logger) (testcontainers.Container, string, error) {
	logger.Info().Msg("starting test Postgres database")
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vchat_test"),
		postgres.WithUsername("vchat"),
		postgres.WithPassword("vchat"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(context.Background())
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}

	return postgresContainer, connStr, nil
}

// startMailServers starts the in-memory IMAP and SMTP servers.
func startMailServers(logger zerolog.Logger) (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.StartTestIMAPServer("127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}

	smtpServer, err := testutil.StartTestSMTPServer("127.0.0.1:0")
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}

	logger.Info().
		Str("imap", imapServer.Address).
		Str("smtp", smtpServer.Address).
		Msg("test mail servers started")
	return imapServer, smtpServer, nil
}

// setupDatabase creates a connection pool and applies the migrations.
func setupDatabase(ctx context.Context, connStr string, logger zerolog.Logger) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Msg("connected to database and ran migrations")
	return cfg, pool, nil
}

// seedMailAccount stores an active mail account pointing at the test servers,
// so the session manager resumes it on start.
func seedMailAccount(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) error {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	credentials, err := encryptor.EncryptJSON(map[string]string{
		mail.CredentialAddress:      "username@example.org",
		mail.CredentialIMAPHost:     imapServer.Address,
		mail.CredentialIMAPUsername: imapServer.Username(),
		mail.CredentialIMAPPassword: imapServer.Password(),
		mail.CredentialSMTPHost:     smtpServer.Address,
		mail.CredentialSMTPUsername: smtpServer.Username(),
		mail.CredentialSMTPPassword: smtpServer.Password(),
		mail.CredentialSecurity:     "none",
	})
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	account := &models.Account{
		OwnerEmail:           testOwner,
		Network:              mail.Name,
		DisplayName:          "Test mailbox",
		EncryptedCredentials: credentials,
	}
	if err := db.CreateAccount(ctx, pool, account); err != nil {
		return err
	}
	return db.ActivateAccount(ctx, pool, account.ID, nil)
}

// seedTestData appends the messages the browser tests expect.
func seedTestData(imapServer *testutil.TestIMAPServer) error {
	messages := []struct {
		from    string
		subject string
		body    string
		sentAt  time.Time
	}{
		{"Sender <sender@example.com>", "Welcome to V-Chat", "This is a test message.", time.Now().Add(-2 * time.Hour)},
		{"Colleague <colleague@example.com>", "Meeting Tomorrow", "Don't forget about the meeting tomorrow at 2 PM.", time.Now().Add(-1 * time.Hour)},
		{"Colleague <colleague@example.com>", "Re: Meeting Tomorrow", "Room 4B.", time.Now()},
	}

	for _, msg := range messages {
		if err := imapServer.AppendMail(msg.from, msg.subject, msg.body, msg.sentAt); err != nil {
			return fmt.Errorf("failed to add message %q: %w", msg.subject, err)
		}
	}
	return nil
}

// serve runs the API until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, srv *server.Server, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer, logger zerolog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("address", httpServer.Addr).
		Str("imap", imapServer.Address).
		Str("smtp", smtpServer.Address).
		Msg("V-Chat test server ready for E2E tests, press Ctrl+C to stop")

	serverErr := make(chan error, 1)
	go func() { serverErr <- httpServer.ListenAndServe() }()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
