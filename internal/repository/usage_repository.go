package repository

import (
	"context"
	"fmt"
	"time"
)

// IncrementUsage bumps today's received or sent counter of the tenant.
func (t *pgTenantTx) IncrementUsage(ctx context.Context, counter string) error {
	var sent, received int
	switch counter {
	case UsageSent:
		sent = 1
	case UsageReceived:
		received = 1
	default:
		return fmt.Errorf("unknown usage counter %q", counter)
	}

	today := time.Now().UTC().Format("2006-01-02")
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS u (tenant_id, date, messages_sent, messages_received)
		VALUES (current_setting('app.tenant_id', true), $1, $2, $3)
		ON CONFLICT (tenant_id, date)
		DO UPDATE SET messages_sent = u.messages_sent + EXCLUDED.messages_sent,
		              messages_received = u.messages_received + EXCLUDED.messages_received
	`, t.table("message_usage")), today, sent, received)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}
