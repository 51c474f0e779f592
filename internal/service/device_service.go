package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wahub-labs/wa-device-hub/internal/manager"
	"github.com/wahub-labs/wa-device-hub/internal/model"
	"github.com/wahub-labs/wa-device-hub/internal/storage"
)

// ErrValidation marks input errors the API maps to 400 responses.
var ErrValidation = errors.New("invalid request")

// DeviceService is the request facade over the registry and the connection
// manager: it validates input, delegates, and leaves transport concerns to
// the server package.
type DeviceService struct {
	store       storage.Store
	mgr         *manager.Manager
	deviceLimit int
	globalLimit int
}

// NewDeviceService constructs DeviceService with the journal listing limits.
func NewDeviceService(store storage.Store, mgr *manager.Manager, deviceLimit, globalLimit int) *DeviceService {
	if deviceLimit <= 0 {
		deviceLimit = 50
	}
	if globalLimit <= 0 {
		globalLimit = 100
	}
	return &DeviceService{store: store, mgr: mgr, deviceLimit: deviceLimit, globalLimit: globalLimit}
}

// Create registers a new device and starts its first connection attempt.
func (s *DeviceService) Create(ctx context.Context, name string) (*model.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("device name is required")
	}
	device := &model.Device{
		ID:     uuid.NewString(),
		Name:   name,
		Status: model.DeviceStatusPending,
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	s.mgr.Connect(device.ID, device.Name)
	return device, nil
}

// List returns all devices with their live connection state.
func (s *DeviceService) List(ctx context.Context) ([]*model.DeviceView, error) {
	return s.mgr.Views(ctx)
}

// Remove disconnects and deletes a device with all its dependents.
func (s *DeviceService) Remove(ctx context.Context, id string) error {
	return s.mgr.Remove(ctx, id)
}

// PairingCode fetches or provokes a pairing code for the device.
func (s *DeviceService) PairingCode(ctx context.Context, id string) (manager.PairingResult, error) {
	return s.mgr.PairingCode(ctx, id)
}

// Send validates and relays an outgoing text message.
func (s *DeviceService) Send(ctx context.Context, deviceID, number, text string) (uint64, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(number) == "" || strings.TrimSpace(text) == "" {
		return 0, errValidation("device, number and message are required")
	}
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		return 0, err
	}
	return s.mgr.SendMessage(ctx, deviceID, number, text)
}

// Messages lists the journal, per device when deviceID is set, otherwise the
// global cross-device view. limit <= 0 selects the configured default.
func (s *DeviceService) Messages(ctx context.Context, deviceID string, limit int) ([]*model.Message, error) {
	if deviceID == "" {
		if limit <= 0 {
			limit = s.globalLimit
		}
		return s.store.ListMessages(ctx, limit)
	}
	if limit <= 0 {
		limit = s.deviceLimit
	}
	return s.store.ListMessagesByDevice(ctx, deviceID, limit)
}

func errValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
