// Package protocol defines the boundary to the external WhatsApp protocol
// library. The hub never interprets credential material or wire frames; it
// only reacts to the events a Conn reports through its Handler.
package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrNotLoggedIn is reported by Logout when the connection has no identity.
var ErrNotLoggedIn = errors.New("protocol: not logged in")

// Handler receives asynchronous events from a live connection. Callbacks may
// arrive from different goroutines; implementations must synchronize.
type Handler interface {
	// PairingCode is invoked when the protocol layer surfaces a pairing
	// challenge to be rendered for scanning.
	PairingCode(code string)
	// Opened is invoked after a successful handshake. selfJID carries the
	// authenticated identity (phone@server).
	Opened(selfJID string)
	// Closed is invoked when the transport closes. loggedOut marks an
	// explicit logout instruction from the remote party.
	Closed(reason error, loggedOut bool)
	// Credentials is invoked whenever the protocol layer rotates credential
	// material. The blob replaces any previously stored session wholesale.
	Credentials(blob []byte)
	// Message is invoked for every inbound message event.
	Message(sender, content string, ts time.Time, fromSelf bool)
}

// DialConfig parametrises a connection attempt for one device.
type DialConfig struct {
	DeviceID string
	// Session is the previously stored credential blob, nil for a device
	// that has never paired. Dialers that keep their own session artifacts
	// on disk may ignore it.
	Session []byte
	Handler Handler
}

// Conn is a handle to one live (or connecting) protocol connection.
type Conn interface {
	// SendText delivers a text message to the given JID.
	SendText(ctx context.Context, jid, text string) error
	// SelfJID returns the authenticated identity, empty before Opened.
	SelfJID() string
	// Logout signs the device out remotely.
	Logout(ctx context.Context) error
	// Close tears down the transport without logging out.
	Close() error
}

// Dialer starts connection attempts and owns any per-device session
// artifacts kept outside the credential blob.
type Dialer interface {
	// Dial starts a connection attempt. It returns once the attempt is
	// underway; handshake progress arrives through cfg.Handler.
	Dial(ctx context.Context, cfg DialConfig) (Conn, error)
	// DropSession removes all on-disk session artifacts for a device.
	DropSession(deviceID string) error
}
