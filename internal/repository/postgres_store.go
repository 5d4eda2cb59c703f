package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"zapia_ai/internal/entities"
)

// tenantFilter restricts a query to the tenant set by SetGuard, in addition to
// the namespace itself.
const tenantFilter = "tenant_id = current_setting('app.tenant_id', true)"

// PostgresBackend opens tenant transactions on a pgx pool.
type PostgresBackend struct {
	db *pgxpool.Pool
}

func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Begin(ctx context.Context, ns entities.Namespace) (TxSession, error) {
	tx, err := b.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgTenantTx{tx: tx, ns: ns}, nil
}

type pgTenantTx struct {
	tx pgx.Tx
	ns entities.Namespace
}

// table returns the quoted, namespace-qualified name of a tenant table.
func (t *pgTenantTx) table(name string) string {
	return pgx.Identifier{t.ns.Schema, name}.Sanitize()
}

func (t *pgTenantTx) TenantID() string { return t.ns.TenantID }

func (t *pgTenantTx) SetGuard(ctx context.Context, tenantID string) error {
	// is_local = true: the setting dies with the transaction and never leaks
	// to other users of the pooled connection.
	_, err := t.tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID)
	return err
}

func (t *pgTenantTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTenantTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *pgTenantTx) FindOrCreateContact(ctx context.Context, phone, name string) (entities.Contact, bool, error) {
	var c entities.Contact
	var inserted bool
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s AS c (id, tenant_id, phone, name)
		VALUES ($1, current_setting('app.tenant_id', true), $2, NULLIF($3, ''))
		ON CONFLICT (tenant_id, phone)
		DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), c.name), updated_at = NOW()
		RETURNING id, tenant_id, phone, COALESCE(name, ''), created_at, updated_at, (xmax = 0)
	`, t.table("contacts")), uuid.NewString(), phone, name).Scan(
		&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.CreatedAt, &c.UpdatedAt, &inserted,
	)
	if err != nil {
		return entities.Contact{}, false, fmt.Errorf("upsert contact: %w", err)
	}
	return c, inserted, nil
}

func (t *pgTenantTx) InsertMessage(ctx context.Context, msg entities.Message) (entities.Message, bool, error) {
	msg.ID = uuid.NewString()
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, contact_id, content, type, status, direction, metadata, provider_message_id)
		VALUES ($1, current_setting('app.tenant_id', true), $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (tenant_id, provider_message_id) DO NOTHING
		RETURNING tenant_id, created_at
	`, t.table("messages")),
		msg.ID, msg.ContactID, msg.Content, msg.Type, msg.Status, msg.Direction, msg.Metadata, msg.ProviderMessageID(),
	).Scan(&msg.TenantID, &msg.CreatedAt)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return entities.Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	existing, err := t.messageByProviderID(ctx, msg.ProviderMessageID())
	if err != nil {
		return entities.Message{}, false, err
	}
	return existing, false, nil
}

const messageColumns = "id, tenant_id, contact_id, content, type, status, direction, metadata, created_at"

func scanMessage(row pgx.Row) (entities.Message, error) {
	var m entities.Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ContactID, &m.Content, &m.Type, &m.Status, &m.Direction, &m.Metadata, &m.CreatedAt)
	return m, err
}

func (t *pgTenantTx) messageByProviderID(ctx context.Context, providerID string) (entities.Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s AND provider_message_id = $1",
		messageColumns, t.table("messages"), tenantFilter,
	), providerID))
	if err != nil {
		return entities.Message{}, fmt.Errorf("load message %s: %w", providerID, err)
	}
	return m, nil
}

func (t *pgTenantTx) RecentMessages(ctx context.Context, contactID string, limit int) ([]entities.Message, error) {
	rows, err := t.tx.Query(ctx, fmt.Sprintf(`
		SELECT %[1]s FROM (
			SELECT %[1]s, seq FROM %[2]s
			WHERE %[3]s AND contact_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`, messageColumns, t.table("messages"), tenantFilter), contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages := []entities.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (t *pgTenantTx) SearchKnowledge(ctx context.Context, embedding []float32, threshold float64, limit int) ([]entities.ScoredChunk, error) {
	query := pgvector.NewVector(embedding)
	rows, err := t.tx.Query(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, content, metadata, created_at, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE %s AND 1 - (embedding <=> $1) > $2
		ORDER BY similarity DESC
		LIMIT $3
	`, t.table("knowledge_base"), tenantFilter), query, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	chunks := []entities.ScoredChunk{}
	for rows.Next() {
		var c entities.ScoredChunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Content, &c.Metadata, &c.CreatedAt, &c.Similarity); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (t *pgTenantTx) InsertKnowledge(ctx context.Context, chunk entities.KnowledgeChunk) (entities.KnowledgeChunk, error) {
	chunk.ID = uuid.NewString()
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, content, embedding, metadata)
		VALUES ($1, current_setting('app.tenant_id', true), $2, $3, $4)
		RETURNING tenant_id, created_at
	`, t.table("knowledge_base")),
		chunk.ID, chunk.Content, pgvector.NewVector(chunk.Embedding), chunk.Metadata,
	).Scan(&chunk.TenantID, &chunk.CreatedAt)
	if err != nil {
		return entities.KnowledgeChunk{}, fmt.Errorf("insert knowledge: %w", err)
	}
	return chunk, nil
}
