package testutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ReceivedMail is one message accepted by the test SMTP server.
type ReceivedMail struct {
	From string
	To   []string
	Data []byte
}

// MemoryBackend is an in-memory SMTP backend that requires PLAIN auth with
// fixed credentials.
type MemoryBackend struct {
	username string
	password string

	mu       sync.Mutex
	messages []ReceivedMail
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// Messages returns all received messages.
func (b *MemoryBackend) Messages() []ReceivedMail {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReceivedMail(nil), b.messages...)
}

type memorySession struct {
	backend       *MemoryBackend
	authenticated bool
	from          string
	to            []string
}

var _ smtp.AuthSession = (*memorySession)(nil)

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		}
		s.authenticated = true
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.backend.messages = append(s.backend.messages, ReceivedMail{
		From: s.from,
		To:   s.to,
		Data: data,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer is an in-memory SMTP server on a random local port.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
}

// NewTestSMTPServer starts a server that accepts "test-user" / "test-pass"
// and stops it when the test ends.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	s, err := StartTestSMTPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// StartTestSMTPServer starts a server on address. The caller must Close it.
func StartTestSMTPServer(address string) (*TestSMTPServer, error) {
	be := &MemoryBackend{username: "test-user", password: "test-pass"}

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() { _ = s.Serve(listener) }()

	return &TestSMTPServer{Server: s, Address: listener.Addr().String(), Backend: be}, nil
}

// Close stops the server.
func (s *TestSMTPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the accepted login.
func (s *TestSMTPServer) Username() string {
	return s.Backend.username
}

// Password returns the accepted password.
func (s *TestSMTPServer) Password() string {
	return s.Backend.password
}
