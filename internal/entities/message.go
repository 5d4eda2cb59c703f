package entities

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message statuses. Only status may change after a message is written.
const (
	StatusReceived  = "received"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// MetadataProviderID is the metadata key carrying the provider's message id.
const MetadataProviderID = "wam_id"

type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ContactID string         `json:"contact_id"`
	Content   string         `json:"content"`
	Type      string         `json:"type"` // e.g. "text", "image", "audio"
	Status    string         `json:"status"`
	Direction string         `json:"direction"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProviderMessageID returns the provider id stored in the message metadata.
func (m Message) ProviderMessageID() string {
	if m.Metadata == nil {
		return ""
	}
	id, _ := m.Metadata[MetadataProviderID].(string)
	return id
}

// ChatMessage is one role-tagged turn handed to the completion service.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// RoleFor maps a message direction to its chat role.
func RoleFor(direction string) string {
	if direction == DirectionOutbound {
		return "assistant"
	}
	return "user"
}
