// Package protocoltest provides a scriptable in-memory Dialer for tests.
package protocoltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wahub-labs/wa-device-hub/internal/protocol"
)

var _ protocol.Dialer = (*Dialer)(nil)

// Dialer records dial attempts and hands tests a handle to drive each
// connection's events by hand.
type Dialer struct {
	mu      sync.Mutex
	conns   map[string][]*Conn
	dials   int
	DialErr error
	dropped []string

	// OnDial, when set, runs on every Dial before it completes, outside
	// the dialer's lock so tests may block in it.
	OnDial func(cfg protocol.DialConfig)
}

// NewDialer creates an empty fake dialer.
func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string][]*Conn)}
}

// Dial registers a fake connection for the device and returns it.
func (d *Dialer) Dial(_ context.Context, cfg protocol.DialConfig) (protocol.Conn, error) {
	d.mu.Lock()
	d.dials++
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(cfg)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := &Conn{handler: cfg.Handler, session: cfg.Session}
	d.conns[cfg.DeviceID] = append(d.conns[cfg.DeviceID], c)
	return c, nil
}

// DropSession records the request; session artifacts are in-memory only.
func (d *Dialer) DropSession(deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = append(d.dropped, deviceID)
	return nil
}

// Dials reports how many connection attempts were started.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dropped reports the device ids whose session artifacts were removed.
func (d *Dialer) Dropped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dropped...)
}

// Conn returns the latest connection dialed for a device, or nil.
func (d *Dialer) Conn(deviceID string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[deviceID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// ConnCount reports how many connections were dialed for a device.
func (d *Dialer) ConnCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[deviceID])
}

// Conn is a fake protocol connection whose events tests fire directly.
type Conn struct {
	mu      sync.Mutex
	handler protocol.Handler
	session []byte
	self    string
	sent    []SentMessage
	SendErr error
	logouts int
	closed  bool
}

// SentMessage records one SendText call.
type SentMessage struct {
	JID  string
	Text string
}

// SendText records the outgoing message unless SendErr is set.
func (c *Conn) SendText(_ context.Context, jid, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, SentMessage{JID: jid, Text: text})
	return nil
}

// SelfJID returns the identity set by Open.
func (c *Conn) SelfJID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Logout counts the call and reports ErrNotLoggedIn before Open.
func (c *Conn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	if c.self == "" {
		return protocol.ErrNotLoggedIn
	}
	return nil
}

// Close marks the connection torn down.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Session returns the credential blob passed at dial time.
func (c *Conn) Session() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Sent returns all recorded outgoing messages.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Logouts reports how many times Logout was called.
func (c *Conn) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// --- event drivers ---

// PairingCode fires the pairing-code callback.
func (c *Conn) PairingCode(code string) {
	c.handler.PairingCode(code)
}

// Open fires the opened callback with the given identity.
func (c *Conn) Open(selfJID string) {
	c.mu.Lock()
	c.self = selfJID
	c.mu.Unlock()
	c.handler.Opened(selfJID)
}

// CloseWith fires the closed callback.
func (c *Conn) CloseWith(reason error, loggedOut bool) {
	c.handler.Closed(reason, loggedOut)
}

// Credentials fires the credential-update callback.
func (c *Conn) Credentials(blob []byte) {
	c.handler.Credentials(blob)
}

// Deliver fires the inbound-message callback.
func (c *Conn) Deliver(sender, content string, ts time.Time, fromSelf bool) {
	c.handler.Message(sender, content, ts, fromSelf)
}

// ErrSendRejected is a convenience error for send-failure tests.
var ErrSendRejected = errors.New("send rejected")
