package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"zapia_ai/internal/entities"
)

// UpsertMember creates the member or refreshes its email and name.
func (t *pgTenantTx) UpsertMember(ctx context.Context, m entities.Member) (entities.Member, error) {
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s AS m (id, tenant_id, external_id, email, name)
		VALUES ($1, current_setting('app.tenant_id', true), $2, $3, $4)
		ON CONFLICT (tenant_id, external_id)
		DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = NOW()
		RETURNING id, tenant_id, external_id, email, name, created_at, updated_at
	`, t.table("members")), uuid.NewString(), m.ExternalID, m.Email, m.Name).Scan(
		&m.ID, &m.TenantID, &m.ExternalID, &m.Email, &m.Name, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return entities.Member{}, fmt.Errorf("upsert member: %w", err)
	}
	return m, nil
}
