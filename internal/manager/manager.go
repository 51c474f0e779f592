// Package manager owns the registry of live protocol connections and drives
// each device through its connection lifecycle: pairing, authentication,
// reconnection and logout. All durable effects go through the storage layer;
// all observable effects go through the event broadcaster.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wahub-labs/wa-device-hub/internal/events"
	"github.com/wahub-labs/wa-device-hub/internal/model"
	"github.com/wahub-labs/wa-device-hub/internal/protocol"
	"github.com/wahub-labs/wa-device-hub/internal/qr"
	"github.com/wahub-labs/wa-device-hub/internal/sessioncrypt"
	"github.com/wahub-labs/wa-device-hub/internal/storage"
)

var (
	// ErrNotConnected is returned by operations that require an open session.
	ErrNotConnected = errors.New("device is not connected")
	// ErrSendFailed wraps protocol-layer send rejections.
	ErrSendFailed = errors.New("send failed")
)

// Config holds the manager's policy knobs.
type Config struct {
	// Domain is appended to bare phone numbers when normalizing addresses.
	Domain string
	// ReconnectDelay spaces automatic reconnect attempts.
	ReconnectDelay time.Duration
}

// Manager multiplexes many independent device connections. The registry map
// has its own lock; each entry serializes its state transitions with a
// per-entry lock, so devices never block each other.
type Manager struct {
	store  storage.Store
	dialer protocol.Dialer
	bus    *events.Broadcaster
	sealer *sessioncrypt.Sealer
	logger *slog.Logger
	cfg    Config

	mu    sync.Mutex
	conns map[string]*liveConn
}

// liveConn is the in-memory state of one device's connection. It is never
// shared by value; every access goes through its mutex.
type liveConn struct {
	mu           sync.Mutex
	deviceID     string
	name         string
	conn         protocol.Conn
	self         string
	qrCode       string
	connected    bool
	dialing      bool
	reconnecting bool
	loggedOut    bool
	suppressed   bool // next close must not schedule a retry
}

// New constructs a Manager. The sealer may be nil (blobs stored as-is).
func New(store storage.Store, dialer protocol.Dialer, bus *events.Broadcaster, sealer *sessioncrypt.Sealer, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Domain == "" {
		cfg.Domain = "s.whatsapp.net"
	}
	m := &Manager{
		store:  store,
		dialer: dialer,
		bus:    bus,
		sealer: sealer,
		logger: logger,
		cfg:    cfg,
		conns:  make(map[string]*liveConn),
	}
	bus.SetSnapshotter(m)
	return m
}

// Connect starts a connection attempt for the device. A device that is
// already connected is left alone; a logged-out entry is revived. The attempt
// itself runs asynchronously.
func (m *Manager) Connect(deviceID, name string) {
	m.mu.Lock()
	entry, ok := m.conns[deviceID]
	if !ok {
		entry = &liveConn{deviceID: deviceID, name: name}
		m.conns[deviceID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	if name != "" {
		entry.name = name
	}
	entry.loggedOut = false
	entry.suppressed = false
	entry.mu.Unlock()

	go m.dial(entry)
}

// Disconnect logs the device out without scheduling a retry. Disconnecting a
// device that is not connected is a no-op.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	entry := m.conns[deviceID]
	m.mu.Unlock()
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	if !entry.connected {
		entry.mu.Unlock()
		return nil
	}
	entry.suppressed = true
	conn := entry.conn
	entry.mu.Unlock()

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			m.logger.Warn("logout failed", "device", deviceID, "error", err)
		}
	}
	// Converge even if the protocol layer never reports the closure.
	m.handleClosed(entry, nil, false)
	return nil
}

// Reconnect tears down any existing connection for the device and dials a
// fresh one. Requests arriving while a reconnect is in flight are dropped.
func (m *Manager) Reconnect(ctx context.Context, deviceID string) error {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entry, ok := m.conns[deviceID]
	if !ok {
		m.mu.Unlock()
		m.Connect(deviceID, device.Name)
		return nil
	}
	m.mu.Unlock()

	entry.mu.Lock()
	if entry.reconnecting {
		entry.mu.Unlock()
		return nil
	}
	entry.reconnecting = true
	entry.loggedOut = false
	conn := entry.conn
	entry.conn = nil
	entry.connected = false
	entry.qrCode = ""
	entry.mu.Unlock()

	go func() {
		m.teardown(ctx, deviceID, conn)
		m.dial(entry)
		entry.mu.Lock()
		entry.reconnecting = false
		entry.mu.Unlock()
	}()
	return nil
}

// Remove disconnects the device best-effort, discards its live entry, drops
// session artifacts and cascades the registry delete. It succeeds for devices
// that never connected.
func (m *Manager) Remove(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	entry := m.conns[deviceID]
	delete(m.conns, deviceID)
	m.mu.Unlock()

	if entry != nil {
		entry.mu.Lock()
		entry.loggedOut = true // block any racing reconnect
		conn := entry.conn
		entry.conn = nil
		entry.connected = false
		entry.mu.Unlock()
		m.teardown(ctx, deviceID, conn)
	}
	if err := m.dialer.DropSession(deviceID); err != nil {
		m.logger.Warn("dropping session artifacts failed", "device", deviceID, "error", err)
	}
	return m.store.RemoveDevice(ctx, deviceID)
}

// PairingResult is the outcome of a pairing-code request.
type PairingResult struct {
	QRCode           string
	AlreadyConnected bool
	Retry            bool
	Message          string
}

// PairingCode returns the device's pending pairing code, reports an already
// connected device, or kicks off a (re)connect and asks the caller to poll.
func (m *Manager) PairingCode(ctx context.Context, deviceID string) (PairingResult, error) {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return PairingResult{}, err
	}

	m.mu.Lock()
	entry, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		m.Connect(deviceID, device.Name)
		return PairingResult{Retry: true, Message: "starting connection, try again shortly"}, nil
	}

	entry.mu.Lock()
	switch {
	case entry.connected:
		entry.mu.Unlock()
		return PairingResult{AlreadyConnected: true}, nil
	case entry.qrCode != "":
		code := entry.qrCode
		entry.mu.Unlock()
		return PairingResult{QRCode: code}, nil
	case entry.reconnecting:
		entry.mu.Unlock()
		return PairingResult{Retry: true, Message: "generating pairing code, try again shortly"}, nil
	}
	// Force a fresh pairing: drop stale credentials and dial again.
	entry.reconnecting = true
	entry.loggedOut = false
	conn := entry.conn
	entry.conn = nil
	entry.mu.Unlock()

	go func() {
		m.teardown(ctx, deviceID, conn)
		if err := m.dialer.DropSession(deviceID); err != nil {
			m.logger.Warn("dropping session artifacts failed", "device", deviceID, "error", err)
		}
		if err := m.store.DeleteSession(context.Background(), deviceID); err != nil {
			m.logger.Warn("deleting stored session failed", "device", deviceID, "error", err)
		}
		m.dial(entry)
		entry.mu.Lock()
		entry.reconnecting = false
		entry.mu.Unlock()
	}()
	return PairingResult{Retry: true, Message: "generating pairing code, try again shortly"}, nil
}

// SendMessage normalizes the destination, sends through the live connection
// and journals the outgoing message. Nothing is journaled on failure.
func (m *Manager) SendMessage(ctx context.Context, deviceID, address, text string) (uint64, error) {
	m.mu.Lock()
	entry := m.conns[deviceID]
	m.mu.Unlock()
	if entry == nil {
		return 0, ErrNotConnected
	}

	entry.mu.Lock()
	conn := entry.conn
	connected := entry.connected
	self := entry.self
	entry.mu.Unlock()
	if !connected || conn == nil {
		return 0, ErrNotConnected
	}

	jid := NormalizeAddress(address, m.cfg.Domain)
	if err := conn.SendText(ctx, jid, text); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	msg := &model.Message{
		DeviceID:  deviceID,
		Direction: model.DirectionOutgoing,
		Sender:    self,
		Recipient: jid,
		Content:   text,
		Status:    model.MessageStatusSent,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("journal outgoing message: %w", err)
	}
	return msg.ID, nil
}

// Views joins registry records with live connection state.
func (m *Manager) Views(ctx context.Context) ([]*model.DeviceView, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*model.DeviceView, 0, len(devices))
	for _, device := range devices {
		connected, hasQR := m.liveState(device.ID)
		views = append(views, &model.DeviceView{
			Device:      *device,
			IsConnected: connected,
			HasQRCode:   hasQR,
		})
	}
	return views, nil
}

// Connected reports whether the device's live connection is open.
func (m *Manager) Connected(deviceID string) bool {
	connected, _ := m.liveState(deviceID)
	return connected
}

// Snapshot implements events.Snapshotter: current status per known device,
// plus any pending pairing code.
func (m *Manager) Snapshot() []events.Event {
	devices, err := m.store.ListDevices(context.Background())
	if err != nil {
		m.logger.Error("snapshot: listing devices failed", "error", err)
		return nil
	}
	var out []events.Event
	for _, device := range devices {
		connected, _ := m.liveState(device.ID)
		payload := events.StatusPayload{DeviceID: device.ID, Connected: connected}
		if connected {
			payload.PhoneNumber = device.Phone
		}
		out = append(out, events.Event{Name: events.EventStatus, Payload: payload})

		m.mu.Lock()
		entry := m.conns[device.ID]
		m.mu.Unlock()
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		code := entry.qrCode
		open := entry.connected
		entry.mu.Unlock()
		if code != "" && !open {
			out = append(out, events.Event{
				Name:    events.EventPairingCode,
				Payload: events.PairingCodePayload{DeviceID: device.ID, QRCode: code},
			})
		}
	}
	return out
}

// Resume starts connection attempts for every device already registered.
func (m *Manager) Resume(ctx context.Context) error {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, device := range devices {
		m.logger.Info("resuming device", "device", device.ID, "name", device.Name)
		m.Connect(device.ID, device.Name)
	}
	return nil
}

// Shutdown tears down all live connections without logging anyone out.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*liveConn, 0, len(m.conns))
	for _, entry := range m.conns {
		entries = append(entries, entry)
	}
	m.conns = make(map[string]*liveConn)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		entry.loggedOut = true
		conn := entry.conn
		entry.conn = nil
		entry.connected = false
		entry.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				m.logger.Warn("closing connection failed", "device", entry.deviceID, "error", err)
			}
		}
	}
}

// NormalizeAddress returns the address verbatim when it already carries a
// domain, otherwise strips everything but digits and appends one.
func NormalizeAddress(address, domain string) string {
	if strings.Contains(address, "@") {
		return address
	}
	var digits strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + "@" + domain
}

func (m *Manager) liveState(deviceID string) (connected, hasQR bool) {
	m.mu.Lock()
	entry := m.conns[deviceID]
	m.mu.Unlock()
	if entry == nil {
		return false, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.connected, entry.qrCode != "" && !entry.connected
}

// dial performs one connection attempt. Overlapping attempts for the same
// entry collapse into one via the dialing flag.
func (m *Manager) dial(entry *liveConn) {
	entry.mu.Lock()
	if entry.dialing || entry.connected {
		entry.mu.Unlock()
		return
	}
	entry.dialing = true
	entry.mu.Unlock()
	defer func() {
		entry.mu.Lock()
		entry.dialing = false
		entry.mu.Unlock()
	}()

	blob := m.loadSession(entry.deviceID)
	conn, err := m.dialer.Dial(context.Background(), protocol.DialConfig{
		DeviceID: entry.deviceID,
		Session:  blob,
		Handler:  &connHandler{m: m, entry: entry},
	})
	if err != nil {
		m.logger.Error("connection attempt failed", "device", entry.deviceID, "error", err)
		return
	}

	entry.mu.Lock()
	entry.conn = conn
	entry.mu.Unlock()
	m.logger.Info("connection attempt started", "device", entry.deviceID, "name", entry.name)
}

func (m *Manager) loadSession(deviceID string) []byte {
	blob, err := m.store.LoadSession(context.Background(), deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.logger.Warn("loading session failed, starting unpaired", "device", deviceID, "error", err)
		return nil
	}
	opened, err := m.sealer.Open(blob)
	if err != nil {
		m.logger.Warn("unsealing session failed, starting unpaired", "device", deviceID, "error", err)
		return nil
	}
	return opened
}

// teardown logs out and closes a connection best-effort; failures are logged
// and never abort the caller.
func (m *Manager) teardown(ctx context.Context, deviceID string, conn protocol.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Logout(ctx); err != nil && !errors.Is(err, protocol.ErrNotLoggedIn) {
		m.logger.Warn("logout failed", "device", deviceID, "error", err)
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("closing connection failed", "device", deviceID, "error", err)
	}
}

// scheduleReconnect queues a single delayed redial. The reconnecting flag is
// the sole guard: requests while one is in flight are dropped, not queued.
func (m *Manager) scheduleReconnect(entry *liveConn) {
	entry.mu.Lock()
	if entry.reconnecting || entry.loggedOut || entry.connected {
		entry.mu.Unlock()
		return
	}
	entry.reconnecting = true
	entry.mu.Unlock()

	go func() {
		if m.cfg.ReconnectDelay > 0 {
			time.Sleep(m.cfg.ReconnectDelay)
		}
		m.dial(entry)
		entry.mu.Lock()
		entry.reconnecting = false
		entry.mu.Unlock()
	}()
}

// handleOpened runs the OPEN transition: persist status and phone, clear the
// pairing code, announce the device.
func (m *Manager) handleOpened(entry *liveConn, selfJID string) {
	phone := phoneFromJID(selfJID)

	entry.mu.Lock()
	entry.connected = true
	entry.qrCode = ""
	entry.self = selfJID
	deviceID := entry.deviceID
	entry.mu.Unlock()

	if err := m.store.SetDeviceStatus(context.Background(), deviceID, model.DeviceStatusConnected, phone); err != nil {
		m.logger.Error("persisting connected status failed", "device", deviceID, "error", err)
	}
	m.logger.Info("device connected", "device", deviceID, "phone", phone)
	m.bus.Publish(events.Event{
		Name:    events.EventStatus,
		Payload: events.StatusPayload{DeviceID: deviceID, Connected: true, PhoneNumber: phone},
	})
}

// handleClosed runs the CLOSED transition and applies the retry policy:
// redial unless the remote logged us out or the close was requested locally.
func (m *Manager) handleClosed(entry *liveConn, reason error, loggedOut bool) {
	entry.mu.Lock()
	if !entry.connected && entry.conn == nil && !entry.dialing {
		// Already settled; a late duplicate close report.
		entry.mu.Unlock()
		return
	}
	entry.connected = false
	conn := entry.conn
	entry.conn = nil
	suppressed := entry.suppressed
	entry.suppressed = false
	if loggedOut {
		entry.loggedOut = true
		entry.qrCode = ""
	}
	deviceID := entry.deviceID
	entry.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing connection failed", "device", deviceID, "error", err)
		}
	}
	if err := m.store.SetDeviceStatus(context.Background(), deviceID, model.DeviceStatusDisconnected, ""); err != nil {
		m.logger.Error("persisting disconnected status failed", "device", deviceID, "error", err)
	}
	m.logger.Info("device disconnected", "device", deviceID, "reason", reason, "loggedOut", loggedOut)
	m.bus.Publish(events.Event{
		Name:    events.EventStatus,
		Payload: events.StatusPayload{DeviceID: deviceID, Connected: false},
	})

	if !loggedOut && !suppressed {
		m.scheduleReconnect(entry)
	}
}

// handlePairingCode renders the challenge and announces it.
func (m *Manager) handlePairingCode(entry *liveConn, code string) {
	dataURL, err := qr.DataURL(code)
	if err != nil {
		m.logger.Error("rendering pairing code failed", "device", entry.deviceID, "error", err)
		return
	}

	entry.mu.Lock()
	entry.qrCode = dataURL
	deviceID := entry.deviceID
	entry.mu.Unlock()

	m.logger.Info("pairing code generated", "device", deviceID)
	m.bus.Publish(events.Event{
		Name:    events.EventPairingCode,
		Payload: events.PairingCodePayload{DeviceID: deviceID, QRCode: dataURL},
	})
}

// handleCredentials upserts the rotated blob; a side channel independent of
// the state machine.
func (m *Manager) handleCredentials(entry *liveConn, blob []byte) {
	sealed, err := m.sealer.Seal(blob)
	if err != nil {
		m.logger.Error("sealing session failed", "device", entry.deviceID, "error", err)
		return
	}
	if err := m.store.SaveSession(context.Background(), entry.deviceID, sealed); err != nil {
		m.logger.Error("saving session failed", "device", entry.deviceID, "error", err)
	}
}

// handleMessage journals an inbound message and announces it. Echoes of the
// device's own identity are filtered; events outside OPEN are ignored.
func (m *Manager) handleMessage(entry *liveConn, sender, content string, ts time.Time, fromSelf bool) {
	if fromSelf {
		return
	}

	entry.mu.Lock()
	connected := entry.connected
	self := entry.self
	deviceID := entry.deviceID
	entry.mu.Unlock()
	if !connected {
		return
	}

	msg := &model.Message{
		DeviceID:  deviceID,
		Direction: model.DirectionIncoming,
		Sender:    sender,
		Recipient: self,
		Content:   content,
		Status:    model.MessageStatusReceived,
		Timestamp: ts,
	}
	if err := m.store.AppendMessage(context.Background(), msg); err != nil {
		m.logger.Error("journaling inbound message failed", "device", deviceID, "error", err)
		// Still announce it; observers care about liveness more than the journal.
	}
	m.bus.Publish(events.Event{
		Name: events.EventNewMessage,
		Payload: events.MessagePayload{
			DeviceID:  deviceID,
			Sender:    sender,
			Message:   content,
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

func phoneFromJID(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// connHandler funnels protocol callbacks for one entry into the manager.
type connHandler struct {
	m     *Manager
	entry *liveConn
}

func (h *connHandler) PairingCode(code string) { h.m.handlePairingCode(h.entry, code) }
func (h *connHandler) Opened(selfJID string)   { h.m.handleOpened(h.entry, selfJID) }
func (h *connHandler) Closed(reason error, loggedOut bool) {
	h.m.handleClosed(h.entry, reason, loggedOut)
}
func (h *connHandler) Credentials(blob []byte) { h.m.handleCredentials(h.entry, blob) }
func (h *connHandler) Message(sender, content string, ts time.Time, fromSelf bool) {
	h.m.handleMessage(h.entry, sender, content, ts, fromSelf)
}
