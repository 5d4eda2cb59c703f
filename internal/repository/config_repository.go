package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"zapia_ai/internal/entities"
)

// GetAIConfig returns the tenant's assistant settings, nil when not configured.
func (t *pgTenantTx) GetAIConfig(ctx context.Context) (*entities.AIConfig, error) {
	var c entities.AIConfig
	err := t.tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT tenant_id, model, system_prompt, is_active, updated_at FROM %s WHERE %s",
		t.table("ai_configs"), tenantFilter,
	)).Scan(&c.TenantID, &c.Model, &c.SystemPrompt, &c.IsActive, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not configured is not an error
		}
		return nil, fmt.Errorf("get ai config: %w", err)
	}
	return &c, nil
}

// UpsertAIConfig creates or replaces the tenant's assistant settings.
func (t *pgTenantTx) UpsertAIConfig(ctx context.Context, cfg entities.AIConfig) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, model, system_prompt, is_active, updated_at)
		VALUES (current_setting('app.tenant_id', true), $1, $2, $3, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			model = EXCLUDED.model,
			system_prompt = EXCLUDED.system_prompt,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`, t.table("ai_configs")), cfg.Model, cfg.SystemPrompt, cfg.IsActive)
	if err != nil {
		return fmt.Errorf("upsert ai config: %w", err)
	}
	return nil
}

// GetWhatsAppConfig returns the tenant's Cloud API credentials, nil when not configured.
func (t *pgTenantTx) GetWhatsAppConfig(ctx context.Context) (*entities.WhatsAppConfig, error) {
	var c entities.WhatsAppConfig
	err := t.tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT tenant_id, phone_number_id, access_token, COALESCE(verify_token, ''), updated_at FROM %s WHERE %s",
		t.table("whatsapp_configs"), tenantFilter,
	)).Scan(&c.TenantID, &c.PhoneNumberID, &c.AccessToken, &c.VerifyToken, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get whatsapp config: %w", err)
	}
	return &c, nil
}

// UpsertWhatsAppConfig creates or replaces the tenant's Cloud API credentials.
func (t *pgTenantTx) UpsertWhatsAppConfig(ctx context.Context, cfg entities.WhatsAppConfig) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, phone_number_id, access_token, verify_token, updated_at)
		VALUES (current_setting('app.tenant_id', true), $1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			phone_number_id = EXCLUDED.phone_number_id,
			access_token = EXCLUDED.access_token,
			verify_token = EXCLUDED.verify_token,
			updated_at = NOW()
	`, t.table("whatsapp_configs")), cfg.PhoneNumberID, cfg.AccessToken, cfg.VerifyToken)
	if err != nil {
		return fmt.Errorf("upsert whatsapp config: %w", err)
	}
	return nil
}
