package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server. Its single user logs in with
// "username" / "password"; INBOX starts with one message (UID 6).
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts a server on a random local port and stops it when the test ends.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartTestIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// StartTestIMAPServer starts a server on address. The caller must Close it.
func StartTestIMAPServer(address string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() { _ = s.Serve(listener) }()

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}, nil
}

// Close stops the server.
func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the test login.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect opens a logged-in client to the server.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	client, err := s.dial()
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	return client
}

func (s *TestIMAPServer) dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	return client, nil
}

// DeliverMail appends a plain-text message to INBOX as if it had just arrived.
func (s *TestIMAPServer) DeliverMail(t *testing.T, from, subject, body string, sentAt time.Time) {
	t.Helper()

	if err := s.AppendMail(from, subject, body, sentAt); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}

// AppendMail is DeliverMail for callers without a *testing.T.
func (s *TestIMAPServer) AppendMail(from, subject, body string, sentAt time.Time) error {
	client, err := s.dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout() }()

	raw := fmt.Sprintf("Message-ID: <%d@test.local>\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: username@example.org\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n", sentAt.UnixNano(), sentAt.Format(time.RFC1123Z), from, subject, body)

	if err := client.Append("INBOX", nil, time.Now(), strings.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}
