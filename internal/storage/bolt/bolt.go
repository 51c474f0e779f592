package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wahub-labs/wa-device-hub/internal/model"
	"github.com/wahub-labs/wa-device-hub/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketDevices  = []byte("devices")
	bucketSessions = []byte("sessions")
	bucketMessages = []byte("messages")
)

// Store is a BoltDB-backed Store implementation. Devices and sessions are
// keyed by device id; messages are keyed by a big-endian sequence number so
// a reverse cursor walks them newest first.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketSessions, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDevice persists a new device record.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.Status == "" {
		device.Status = model.DeviceStatusPending
	}
	payload, err := json.Marshal(device)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(device.ID), payload)
	})
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var device *model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDevices).Get([]byte(id))
		if raw == nil {
			return nil
		}
		device = new(model.Device)
		return json.Unmarshal(raw, device)
	})
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, storage.ErrNotFound
	}
	return device, nil
}

// ListDevices returns all devices, most recently connected first.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var device model.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i].LastConnected, devices[j].LastConnected
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return devices[i].CreatedAt.After(devices[j].CreatedAt)
		}
	})
	return devices, nil
}

// SetDeviceStatus updates status (and phone when provided) for a device.
func (s *Store) SetDeviceStatus(ctx context.Context, id, status, phone string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var device model.Device
		if err := json.Unmarshal(raw, &device); err != nil {
			return err
		}
		device.Status = status
		if phone != "" {
			device.Phone = phone
		}
		if status == model.DeviceStatusConnected {
			now := time.Now().UTC()
			device.LastConnected = &now
		}
		payload, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), payload)
	})
}

// RemoveDevice deletes the device, its session and all its messages in a
// single transaction so a failure leaves everything in place.
func (s *Store) RemoveDevice(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		if devices.Get([]byte(id)) == nil {
			return storage.ErrNotFound
		}
		messages := tx.Bucket(bucketMessages)
		cur := messages.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var msg model.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.DeviceID != id {
				continue
			}
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
			return err
		}
		return devices.Delete([]byte(id))
	})
}

// SaveSession overwrites the credential blob for a device.
func (s *Store) SaveSession(ctx context.Context, deviceID string, blob []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(deviceID), blob)
	})
}

// LoadSession fetches the credential blob, ErrNotFound when absent.
func (s *Store) LoadSession(ctx context.Context, deviceID string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(deviceID))
		if raw != nil {
			blob = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, storage.ErrNotFound
	}
	return blob, nil
}

// DeleteSession removes the credential blob for a device.
func (s *Store) DeleteSession(ctx context.Context, deviceID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(deviceID))
	})
}

// AppendMessage journals a message, assigning its sequence id.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDevices).Get([]byte(msg.DeviceID)) == nil {
			return storage.ErrNotFound
		}
		bkt := tx.Bucket(bucketMessages)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		msg.ID = id
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(id), payload)
	})
}

// UpdateMessageStatus changes the status field of a journaled message.
func (s *Store) UpdateMessageStatus(ctx context.Context, id uint64, status string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMessages)
		raw := bkt.Get(seqKey(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		msg.Status = status
		payload, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(id), payload)
	})
}

// ListMessagesByDevice returns up to limit messages for one device, newest first.
func (s *Store) ListMessagesByDevice(ctx context.Context, deviceID string, limit int) ([]*model.Message, error) {
	return s.listMessages(ctx, limit, func(m *model.Message) bool {
		return m.DeviceID == deviceID
	}, nil)
}

// ListMessages returns up to limit messages across all devices, newest first,
// with DeviceName joined in from the device records.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]*model.Message, error) {
	return s.listMessages(ctx, limit, func(*model.Message) bool { return true }, func(tx *bolt.Tx, m *model.Message) {
		raw := tx.Bucket(bucketDevices).Get([]byte(m.DeviceID))
		if raw == nil {
			return
		}
		var device model.Device
		if json.Unmarshal(raw, &device) == nil {
			m.DeviceName = device.Name
		}
	})
}

func (s *Store) listMessages(ctx context.Context, limit int, filter func(*model.Message) bool, join func(*bolt.Tx, *model.Message)) ([]*model.Message, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var msgs []*model.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketMessages).Cursor()
		for k, v := cur.Last(); k != nil && len(msgs) < limit; k, v = cur.Prev() {
			var msg model.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if !filter(&msg) {
				continue
			}
			if join != nil {
				join(tx, &msg)
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func seqKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
