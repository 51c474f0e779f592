package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wahub-labs/wa-device-hub/internal/model"
	"github.com/wahub-labs/wa-device-hub/internal/storage"
)

var _ storage.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL,
	last_connected TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	FOREIGN KEY (device_id) REFERENCES devices (id)
);
CREATE TABLE IF NOT EXISTS sessions (
	device_id TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_device ON messages (device_id, id);
`

// Store is a SQLite-backed Store implementation.
type Store struct {
	db *sql.DB
}

// New opens (and if necessary creates) the SQLite database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDevice persists a new device record.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.Status == "" {
		device.Status = model.DeviceStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, phone, status, created_at, last_connected) VALUES (?, ?, ?, ?, ?, ?)`,
		device.ID, device.Name, nullStr(device.Phone), device.Status, device.CreatedAt, nullTime(device.LastConnected))
	return err
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, status, created_at, last_connected FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// ListDevices returns all devices, most recently connected first.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, status, created_at, last_connected FROM devices
		 ORDER BY last_connected DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var devices []*model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SetDeviceStatus updates status (and phone when provided) for a device.
func (s *Store) SetDeviceStatus(ctx context.Context, id, status, phone string) error {
	var res sql.Result
	var err error
	if status == model.DeviceStatusConnected {
		if phone != "" {
			res, err = s.db.ExecContext(ctx,
				`UPDATE devices SET status = ?, phone = ?, last_connected = ? WHERE id = ?`,
				status, phone, time.Now().UTC(), id)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE devices SET status = ?, last_connected = ? WHERE id = ?`,
				status, time.Now().UTC(), id)
		}
	} else if phone != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE devices SET status = ?, phone = ? WHERE id = ?`, status, phone, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE devices SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// RemoveDevice deletes the device, its session and all its messages in one
// transaction.
func (s *Store) RemoveDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE device_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSession overwrites the credential blob for a device.
func (s *Store) SaveSession(ctx context.Context, deviceID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (device_id, blob, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		deviceID, blob, time.Now().UTC())
	return err
}

// LoadSession fetches the credential blob, ErrNotFound when absent.
func (s *Store) LoadSession(ctx context.Context, deviceID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM sessions WHERE device_id = ?`, deviceID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// DeleteSession removes the credential blob for a device.
func (s *Store) DeleteSession(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = ?`, deviceID)
	return err
}

// AppendMessage journals a message, assigning its sequence id. The owning
// device is checked inside the insert transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, msg.DeviceID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (device_id, direction, sender, recipient, content, timestamp, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.DeviceID, msg.Direction, msg.Sender, msg.Recipient, msg.Content, msg.Timestamp, msg.Status)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	msg.ID = uint64(id)
	return nil
}

// UpdateMessageStatus changes the status field of a journaled message.
func (s *Store) UpdateMessageStatus(ctx context.Context, id uint64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListMessagesByDevice returns up to limit messages for one device, newest first.
func (s *Store) ListMessagesByDevice(ctx context.Context, deviceID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, direction, sender, recipient, content, timestamp, status, '' AS device_name
		 FROM messages WHERE device_id = ? ORDER BY id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListMessages returns up to limit messages across all devices, newest first,
// joined with the device display name.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.device_id, m.direction, m.sender, m.recipient, m.content, m.timestamp, m.status, d.name
		 FROM messages m JOIN devices d ON m.device_id = d.id
		 ORDER BY m.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var device model.Device
	var phone sql.NullString
	var lastConnected sql.NullTime
	err := row.Scan(&device.ID, &device.Name, &phone, &device.Status, &device.CreatedAt, &lastConnected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	device.Phone = phone.String
	if lastConnected.Valid {
		t := lastConnected.Time
		device.LastConnected = &t
	}
	return &device, nil
}

func collectMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var msgs []*model.Message
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(&msg.ID, &msg.DeviceID, &msg.Direction, &msg.Sender, &msg.Recipient,
			&msg.Content, &msg.Timestamp, &msg.Status, &msg.DeviceName); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
