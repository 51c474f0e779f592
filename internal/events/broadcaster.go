// Package events fans lifecycle and message events out to subscribed
// observers. Delivery is best-effort: a subscriber that cannot keep up has
// events dropped rather than blocking the publisher.
package events

import (
	"log/slog"
	"sync"
)

// Event names published by the hub.
const (
	EventPairingCode = "device-pairing-code"
	EventStatus      = "device-status"
	EventNewMessage  = "new-message"
)

// Event is one named payload pushed to observers.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"data"`
}

// PairingCodePayload accompanies EventPairingCode.
type PairingCodePayload struct {
	DeviceID string `json:"deviceId"`
	QRCode   string `json:"qrCode"`
}

// StatusPayload accompanies EventStatus.
type StatusPayload struct {
	DeviceID    string `json:"deviceId"`
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// MessagePayload accompanies EventNewMessage.
type MessagePayload struct {
	DeviceID  string `json:"deviceId"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Snapshotter supplies the current-state events replayed to a subscriber the
// moment it attaches, so new observers need not wait for the next change.
type Snapshotter interface {
	Snapshot() []Event
}

// Subscriber receives events on C until Unsubscribe.
type Subscriber struct {
	C <-chan Event
	c chan Event
}

// Broadcaster is a simple many-subscriber fan-out.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	buffer   int
	snapshot Snapshotter
	logger   *slog.Logger
}

// New creates a Broadcaster with the given per-subscriber buffer.
func New(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// SetSnapshotter installs the state source replayed on subscribe.
func (b *Broadcaster) SetSnapshotter(s Snapshotter) {
	b.mu.Lock()
	b.snapshot = s
	b.mu.Unlock()
}

// Subscribe attaches an observer and immediately queues the current-state
// snapshot so the observer starts consistent.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{c: make(chan Event, b.buffer)}
	sub.C = sub.c

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot != nil {
		for _, evt := range b.snapshot.Snapshot() {
			select {
			case sub.c <- evt:
			default:
			}
		}
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches the observer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.c)
}

// Publish fans the event out to every subscriber, dropping it for any whose
// buffer is full.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.c <- evt:
		default:
			b.logger.Debug("dropping event for slow subscriber", "event", evt.Name)
		}
	}
}

// Subscribers reports the current observer count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
