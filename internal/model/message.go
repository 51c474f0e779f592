package model

import "time"

// Message is one journaled inbound or outbound message.
type Message struct {
	ID        uint64    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Direction string    `json:"direction"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// DeviceName is populated only by cross-device listings.
	DeviceName string `json:"deviceName,omitempty"`
}

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusReceived  = "received"
	MessageStatusFailed    = "failed"
)
