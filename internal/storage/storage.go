package storage

import (
	"context"

	"github.com/wahub-labs/wa-device-hub/internal/model"
)

// Store abstracts durable persistence for devices, sessions and the
// message journal. Implementations must serialize concurrent writers;
// RemoveDevice is all-or-nothing across the device's dependents.
type Store interface {
	CreateDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	// ListDevices returns all devices, most recently connected first.
	ListDevices(ctx context.Context) ([]*model.Device, error)
	// SetDeviceStatus updates status and, when phone is non-empty, the phone
	// number. Transitioning to connected refreshes the last-connected stamp.
	SetDeviceStatus(ctx context.Context, id, status, phone string) error
	// RemoveDevice deletes the device, its session and all its messages in
	// one transaction. Unknown ids report ErrNotFound.
	RemoveDevice(ctx context.Context, id string) error

	// SaveSession overwrites the credential blob for a device wholesale.
	SaveSession(ctx context.Context, deviceID string, blob []byte) error
	// LoadSession returns ErrNotFound for devices that never connected.
	LoadSession(ctx context.Context, deviceID string) ([]byte, error)
	DeleteSession(ctx context.Context, deviceID string) error

	// AppendMessage assigns msg.ID and timestamp. The owning device must
	// exist; otherwise ErrNotFound and nothing is written.
	AppendMessage(ctx context.Context, msg *model.Message) error
	UpdateMessageStatus(ctx context.Context, id uint64, status string) error
	// ListMessagesByDevice returns up to limit messages, newest first.
	ListMessagesByDevice(ctx context.Context, deviceID string, limit int) ([]*model.Message, error)
	// ListMessages returns up to limit messages across all devices, newest
	// first, with DeviceName populated.
	ListMessages(ctx context.Context, limit int) ([]*model.Message, error)

	Close() error
}
