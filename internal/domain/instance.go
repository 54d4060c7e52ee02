package domain

import (
	"time"

	"github.com/google/uuid"
)

// Connection status values for a WhatsAppInstance.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusQRPending    = "qr_pending"
	StatusConnected    = "connected"
	StatusFailed       = "failed"
)

// QRCodeTTL is how long a published QR challenge stays scannable.
const QRCodeTTL = 60 * time.Second

// WhatsAppInstance is one tenant's WhatsApp session slot.
type WhatsAppInstance struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID  `gorm:"type:uuid;uniqueIndex" json:"user_id"`
	InstanceName     string     `gorm:"uniqueIndex" json:"instance_name"`
	WebhookURL       string     `json:"webhook_url"`
	IsConnected      bool       `json:"is_connected"`
	ConnectionStatus string     `gorm:"index" json:"connection_status"`
	QRCode           *string    `json:"qr_code,omitempty"`
	QRCodeExpiresAt  *time.Time `json:"qr_code_expires_at,omitempty"`
	OwnerPhoneNumber *string    `json:"owner_phone_number,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastConnectedAt  *time.Time `json:"last_connected_at,omitempty"`
}

// TableName Specify table name
func (WhatsAppInstance) TableName() string {
	return "whatsapp_instances"
}
