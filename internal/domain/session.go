package domain

import (
	"time"

	"github.com/google/uuid"
)

// WhatsAppSession holds the durable cryptographic state of one instance.
// ID equals the instance name. Creds is the slow-changing identity document;
// Keys is the fast-rotating compound-key map ("<type>-<id>" -> value). Both
// are JSON documents produced by the binary-aware codec.
type WhatsAppSession struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Creds     string    `gorm:"type:jsonb" json:"creds"`
	Keys      string    `gorm:"type:jsonb" json:"keys"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}

// WhatsAppMessage is the inbound message log. The fleet core never writes it;
// only the retention sweep touches this table.
type WhatsAppMessage struct {
	ID         int64     `gorm:"primaryKey" json:"id,string"`
	InstanceID uuid.UUID `gorm:"type:uuid;index" json:"instance_id"`
	FromJID    string    `json:"from_jid"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName Specify table name
func (WhatsAppMessage) TableName() string {
	return "whatsapp_messages"
}
