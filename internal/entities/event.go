package entities

import (
	"encoding/json"
	"time"
)

// Event names published on the bus.
const (
	EventMessageReceived     = "whatsapp/message.received"
	EventOrganizationCreated = "organization.created"
)

// EventMeta mirrors the envelope metadata used on the bus.
type EventMeta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
}

// Event is the canonical unit of work handed to the workflow engine.
type Event struct {
	Name     string          `json:"name"`
	TenantID string          `json:"tenant_id"`
	DedupKey string          `json:"dedup_key"`
	Payload  json.RawMessage `json:"payload"`
	Meta     EventMeta       `json:"meta"`
}

// MessageReceived is the payload of EventMessageReceived.
type MessageReceived struct {
	Messages      []WAMessage `json:"messages"`
	Contacts      []WAContact `json:"contacts,omitempty"`
	WamID         string      `json:"wam_id"`
	PhoneNumberID string      `json:"phone_number_id,omitempty"`
}

// OrganizationCreated is the payload of EventOrganizationCreated.
type OrganizationCreated struct {
	OrgID   string `json:"org_id"`
	Name    string `json:"name,omitempty"`
	Slug    string `json:"slug,omitempty"`
	Creator string `json:"created_by,omitempty"`
}

// WhatsApp Cloud API webhook payload. Every level is optional on the wire.

type WAWebhook struct {
	Object string    `json:"object"`
	Entry  []WAEntry `json:"entry"`
}

type WAEntry struct {
	ID      string     `json:"id"`
	Changes []WAChange `json:"changes"`
}

type WAChange struct {
	Field string   `json:"field"`
	Value *WAValue `json:"value"`
}

type WAValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Metadata         *WAMetadata `json:"metadata,omitempty"`
	Contacts         []WAContact `json:"contacts,omitempty"`
	Messages         []WAMessage `json:"messages,omitempty"`
	Statuses         []WAStatus  `json:"statuses,omitempty"`
}

type WAMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WAContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type WAMessage struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	Text      *WAText `json:"text,omitempty"`
}

type WAText struct {
	Body string `json:"body"`
}

type WAStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Recipient string `json:"recipient_id"`
}

// Body returns the textual content of a message, empty for non-text types.
func (m WAMessage) Body() string {
	if m.Text == nil {
		return ""
	}
	return m.Text.Body
}
