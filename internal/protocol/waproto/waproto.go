// Package waproto adapts the whatsmeow client library to the protocol
// boundary used by the connection manager.
package waproto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/wahub-labs/wa-device-hub/internal/protocol"
)

var _ protocol.Dialer = (*Dialer)(nil)

// Dialer dials WhatsApp connections, keeping one session directory per
// device under its configured root. Credential material is persisted by
// whatsmeow's own store inside that directory, so the Credentials callback
// is never fired by this dialer.
type Dialer struct {
	dir      string
	logLevel string
}

// NewDialer creates a Dialer storing session artifacts under dir.
func NewDialer(dir, logLevel string) *Dialer {
	if logLevel == "" {
		logLevel = "WARN"
	}
	return &Dialer{dir: dir, logLevel: logLevel}
}

// Dial opens the device's session container and starts a connection
// attempt. Pairing codes, handshake results and inbound messages arrive
// through cfg.Handler.
func (d *Dialer) Dial(ctx context.Context, cfg protocol.DialConfig) (protocol.Conn, error) {
	sessionDir := filepath.Join(d.dir, cfg.DeviceID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(sessionDir, "session.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Stdout("Database", d.logLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", d.logLevel, true))
	// Reconnect policy belongs to the manager's state machine.
	client.EnableAutoReconnect = false

	c := &conn{client: client, container: container}
	client.AddEventHandler(func(evt interface{}) {
		c.dispatch(cfg.Handler, evt)
	})

	if client.Store.ID == nil {
		// Unpaired device: pump the QR channel until the pairing resolves.
		// Must be requested before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go func() {
			for item := range qrChan {
				if item.Event == "code" {
					cfg.Handler.PairingCode(item.Code)
				}
			}
		}()
	}

	if err := client.Connect(); err != nil {
		container.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// DropSession removes the device's session directory.
func (d *Dialer) DropSession(deviceID string) error {
	return os.RemoveAll(filepath.Join(d.dir, deviceID))
}

func (c *conn) dispatch(h protocol.Handler, evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		h.Opened(c.SelfJID())
	case *events.PairSuccess:
		// Connected follows; nothing to report yet.
	case *events.Disconnected:
		h.Closed(errors.New("transport disconnected"), false)
	case *events.LoggedOut:
		h.Closed(fmt.Errorf("logged out by remote (reason %d)", v.Reason), true)
	case *events.StreamError:
		h.Closed(fmt.Errorf("stream error: %s", v.Code), false)
	case *events.Message:
		h.Message(v.Info.Sender.String(), textContent(v.Message), v.Info.Timestamp, v.Info.IsFromMe)
	}
}

// textContent extracts a displayable body from the supported message kinds.
func textContent(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if text := msg.GetExtendedTextMessage().GetText(); text != "" {
		return text
	}
	if caption := msg.GetImageMessage().GetCaption(); caption != "" {
		return caption
	}
	return "[media]"
}

type conn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
}

func (c *conn) SendText(ctx context.Context, jid, text string) error {
	target, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse jid: %w", err)
	}
	_, err = c.client.SendMessage(ctx, target, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *conn) SelfJID() string {
	id := c.client.Store.ID
	if id == nil {
		return ""
	}
	return id.User + "@" + id.Server
}

func (c *conn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return protocol.ErrNotLoggedIn
	}
	return c.client.Logout(ctx)
}

func (c *conn) Close() error {
	c.client.Disconnect()
	return c.container.Close()
}
