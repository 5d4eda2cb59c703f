package entities

import "time"

const (
	DefaultModel        = "gpt-4o"
	DefaultSystemPrompt = "You are a helpful assistant."
)

// AIConfig controls how a tenant's assistant answers.
type AIConfig struct {
	TenantID     string    `json:"tenant_id"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	IsActive     bool      `json:"is_active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultAIConfig is used when a tenant has not configured its assistant.
func DefaultAIConfig(tenantID string) AIConfig {
	return AIConfig{
		TenantID:     tenantID,
		Model:        DefaultModel,
		SystemPrompt: DefaultSystemPrompt,
		IsActive:     true,
	}
}

// WithDefaults fills empty fields from DefaultAIConfig.
func (c AIConfig) WithDefaults() AIConfig {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	return c
}

// WhatsAppConfig holds a tenant's Cloud API credentials.
type WhatsAppConfig struct {
	TenantID      string    `json:"tenant_id"`
	PhoneNumberID string    `json:"phone_number_id"`
	AccessToken   string    `json:"access_token,omitempty"`
	VerifyToken   string    `json:"verify_token,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand back to API callers.
func (c WhatsAppConfig) Redacted() WhatsAppConfig {
	if c.AccessToken != "" {
		c.AccessToken = "********"
	}
	return c
}
