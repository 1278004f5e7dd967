// Package fakenet is a scriptable network driver for session and pipeline tests.
package fakenet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vdavid/vchat/backend/internal/network"
)

// SentMessage is one outbound message accepted by a fake connection.
type SentMessage struct {
	To   network.Recipient
	Text string
}

// Network is a network.Connector whose connections are driven by the test.
type Network struct {
	mu          sync.Mutex
	connectErrs []error
	sendErrs    []error
	conns       []*Conn
	sessions    [][]byte
	credentials []network.Credentials
	sent        []SentMessage
	nextID      int64
}

var _ network.Connector = (*Network)(nil)

// New creates a fake network.
func New() *Network {
	return &Network{nextID: 1000}
}

// FailConnect makes the next Connect calls return errs, in order.
func (n *Network) FailConnect(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectErrs = append(n.connectErrs, errs...)
}

// FailSend makes the next Send calls return errs, in order.
func (n *Network) FailSend(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErrs = append(n.sendErrs, errs...)
}

func (n *Network) Connect(ctx context.Context, credentials network.Credentials, session []byte) (network.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sessions = append(n.sessions, append([]byte(nil), session...))
	n.credentials = append(n.credentials, credentials)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(n.connectErrs) > 0 {
		err := n.connectErrs[0]
		n.connectErrs = n.connectErrs[1:]
		return nil, err
	}

	material := session
	if len(material) == 0 {
		material = []byte("fresh")
	}
	conn := &Conn{
		network:  n,
		inbound:  make(chan pending),
		failures: make(chan error, 1),
		material: append([]byte(nil), material...),
	}
	n.conns = append(n.conns, conn)
	return conn, nil
}

// Connects returns how many times Connect was called.
func (n *Network) Connects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// Sessions returns the session material passed to each Connect call.
func (n *Network) Sessions() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.sessions...)
}

// Credentials returns the credentials passed to each Connect call.
func (n *Network) Credentials() []network.Credentials {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]network.Credentials(nil), n.credentials...)
}

// Sent returns every message accepted by Send.
func (n *Network) Sent() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentMessage(nil), n.sent...)
}

// WaitConn waits until at least count connections were established and
// returns the latest one.
func (n *Network) WaitConn(t *testing.T, count int) *Conn {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		if len(n.conns) >= count {
			conn := n.conns[len(n.conns)-1]
			n.mu.Unlock()
			return conn
		}
		n.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for connection #%d", count)
	return nil
}

type pending struct {
	event  network.Event
	result chan error
}

// Conn is a fake live connection.
type Conn struct {
	network  *Network
	inbound  chan pending
	failures chan error

	mu       sync.Mutex
	material []byte
	closed   bool
}

var _ network.Conn = (*Conn)(nil)

func (c *Conn) SessionMaterial() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.material...)
}

// SetSessionMaterial changes what SessionMaterial reports.
func (c *Conn) SetSessionMaterial(material []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.material = append([]byte(nil), material...)
}

// Deliver hands event to the running consumer and returns its outcome.
func (c *Conn) Deliver(ctx context.Context, event network.Event) error {
	p := pending{event: event, result: make(chan error, 1)}
	select {
	case c.inbound <- p:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail makes Run return err.
func (c *Conn) Fail(err error) {
	c.failures <- err
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Run(ctx context.Context, out chan<- network.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.failures:
			return err
		case p := <-c.inbound:
			acked, err := network.DeliverBatch(ctx, out, []network.Event{p.event})
			if acked == 1 {
				c.SetSessionMaterial([]byte(fmt.Sprintf("acked:%d", p.event.ExternalMessageID)))
			}
			p.result <- err
		}
	}
}

func (c *Conn) Send(ctx context.Context, to network.Recipient, text string) (*network.Sent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Closed() {
		return nil, network.TransportError("send", fmt.Errorf("connection closed"))
	}

	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.sendErrs) > 0 {
		err := n.sendErrs[0]
		n.sendErrs = n.sendErrs[1:]
		return nil, err
	}

	n.nextID++
	n.sent = append(n.sent, SentMessage{To: to, Text: text})
	return &network.Sent{ExternalMessageID: n.nextID, At: time.Now().UTC()}, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
