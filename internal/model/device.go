package model

import "time"

// Device represents one managed WhatsApp identity slot.
type Device struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Phone         string     `json:"phone,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastConnected *time.Time `json:"lastConnected,omitempty"`
}

const (
	DeviceStatusPending      = "pending"
	DeviceStatusConnected    = "connected"
	DeviceStatusDisconnected = "disconnected"
)

// DeviceView is a Device plus live connection state for API responses.
type DeviceView struct {
	Device
	IsConnected bool `json:"isConnected"`
	HasQRCode   bool `json:"hasQrCode"`
}
