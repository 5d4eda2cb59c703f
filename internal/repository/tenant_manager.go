package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zapia_ai/internal/entities"
)

// TenantManager owns tenant partitions in Postgres: one schema per tenant plus
// its entry in the public tenants registry.
type TenantManager struct {
	db *pgxpool.Pool
}

func NewTenantManager(db *pgxpool.Pool) *TenantManager {
	return &TenantManager{db: db}
}

// partitionTables returns the baseline DDL of a tenant schema. Every statement
// is safe to re-run.
func partitionTables(schema string) []string {
	q := func(table string) string { return pgx.Identifier{schema, table}.Sanitize() }
	idx := func(name string) string { return pgx.Identifier{name}.Sanitize() }

	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				phone TEXT NOT NULL,
				name TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (tenant_id, phone)
			)
		`, q("contacts")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				seq BIGSERIAL,
				tenant_id TEXT NOT NULL,
				contact_id TEXT NOT NULL REFERENCES %s(id),
				content TEXT NOT NULL DEFAULT '',
				type VARCHAR(32) NOT NULL DEFAULT 'text',
				status VARCHAR(16) NOT NULL CHECK (status IN ('received', 'delivered', 'read')),
				direction VARCHAR(16) NOT NULL CHECK (direction IN ('inbound', 'outbound')),
				metadata JSONB NOT NULL DEFAULT '{}',
				provider_message_id TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (tenant_id, provider_message_id)
			)
		`, q("messages"), q("contacts")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (contact_id, created_at DESC)",
			idx("messages_contact_created_idx"), q("messages")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id TEXT PRIMARY KEY,
				model VARCHAR(64) NOT NULL DEFAULT 'gpt-4o',
				system_prompt TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, q("ai_configs")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id TEXT PRIMARY KEY,
				phone_number_id TEXT NOT NULL,
				access_token TEXT NOT NULL,
				verify_token TEXT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, q("whatsapp_configs")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				content TEXT NOT NULL,
				embedding vector(%d) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, q("knowledge_base"), entities.EmbeddingDimensions),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			idx("knowledge_base_embedding_idx"), q("knowledge_base")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id TEXT NOT NULL,
				date DATE NOT NULL,
				messages_sent INT NOT NULL DEFAULT 0,
				messages_received INT NOT NULL DEFAULT 0,
				PRIMARY KEY (tenant_id, date)
			)
		`, q("message_usage")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				external_id TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (tenant_id, external_id)
			)
		`, q("members")),
	}
}

// EnsurePartition creates the schema and baseline tables of ns.
func (t *TenantManager) EnsurePartition(ctx context.Context, ns entities.Namespace) error {
	if !entities.ValidTenantID(ns.TenantID) || ns.Schema != entities.SchemaFor(ns.TenantID) {
		return fmt.Errorf("%w: %q", entities.ErrInvalidTenantID, ns.TenantID)
	}

	tx, err := t.db.Begin(ctx)
	if err != nil {
		return entities.Transient(err)
	}
	defer tx.Rollback(ctx)

	// Concurrent provisioning of the same tenant would race on CREATE ... IF NOT EXISTS.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", ns.Schema); err != nil {
		return fmt.Errorf("lock partition: %w", err)
	}
	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{ns.Schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	for _, ddl := range partitionTables(ns.Schema) {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadNamespace reads a tenant from the public registry.
func (t *TenantManager) LoadNamespace(ctx context.Context, tenantID string) (entities.Namespace, error) {
	var ns entities.Namespace
	err := t.db.QueryRow(ctx,
		"SELECT tenant_id, schema_name, created_at FROM tenants WHERE tenant_id = $1", tenantID,
	).Scan(&ns.TenantID, &ns.Schema, &ns.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Namespace{}, entities.ErrNotFound
	}
	return ns, err
}

// SaveNamespace registers a tenant; existing entries are kept.
func (t *TenantManager) SaveNamespace(ctx context.Context, ns entities.Namespace) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO tenants (tenant_id, schema_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO NOTHING
	`, ns.TenantID, ns.Schema, ns.CreatedAt)
	return err
}
