package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/infrastructure"
	"zapia_ai/internal/workflow"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("set TEST_DATABASE_URL to run Postgres integration tests")
	}
	return dsn
}

// postgresIntegrationTenant returns a tenant id unique to this run.
func postgresIntegrationTenant(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

type postgresFixture struct {
	pool     *pgxpool.Pool
	manager  *TenantManager
	registry *TenantRegistry
	resolver *Resolver
}

// newPostgresFixture migrates the database at TEST_DATABASE_URL and returns
// a resolver on a single-connection pool, so that every transaction reuses
// the same session.
func newPostgresFixture(t *testing.T) *postgresFixture {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := infrastructure.NewPostgresClient(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(ctx))

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 1
	cfg.MinConns = 0
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	manager := NewTenantManager(pg.Pool)
	registry := NewTenantRegistry(manager)
	return &postgresFixture{
		pool:     pool,
		manager:  manager,
		registry: registry,
		resolver: NewResolver(NewPostgresBackend(pool), registry, nil),
	}
}

// provision registers tenantID and drops its schema when the test ends.
func (f *postgresFixture) provision(t *testing.T, tenantID string) entities.Namespace {
	t.Helper()
	ctx := context.Background()
	ns, err := f.registry.Register(ctx, tenantID)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = f.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{ns.Schema}.Sanitize()+" CASCADE")
		_, _ = f.pool.Exec(ctx, "DELETE FROM tenants WHERE tenant_id = $1", tenantID)
	})
	require.NoError(t, f.manager.EnsurePartition(ctx, ns))
	return ns
}

func TestPostgresIntegrationPartitionDDL(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	ns := f.provision(t, postgresIntegrationTenant("it_ddl"))

	// Re-running the baseline must converge.
	require.NoError(t, f.manager.EnsurePartition(ctx, ns))

	rows, err := f.pool.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name", ns.Schema)
	require.NoError(t, err)
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	assert.Equal(t, []string{"ai_configs", "contacts", "knowledge_base", "members", "message_usage", "messages", "whatsapp_configs"}, tables)

	loaded, err := f.manager.LoadNamespace(ctx, ns.TenantID)
	require.NoError(t, err)
	assert.Equal(t, ns.Schema, loaded.Schema)

	err = f.manager.EnsurePartition(ctx, entities.Namespace{TenantID: ns.TenantID, Schema: "public"})
	assert.ErrorIs(t, err, entities.ErrInvalidTenantID)
}

func TestPostgresIntegrationGuardIsTransactionLocal(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	tenant := postgresIntegrationTenant("it_guard")
	ns := f.provision(t, tenant)

	require.NoError(t, f.resolver.WithTenant(ctx, tenant, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		return tx.UpsertAIConfig(ctx, entities.AIConfig{Model: "gpt-4o-mini", IsActive: true})
	}))

	// The pool has one connection, so this runs on the session the tenant
	// transaction used.
	var leftover string
	require.NoError(t, f.pool.QueryRow(ctx, "SELECT COALESCE(current_setting('app.tenant_id', true), '')").Scan(&leftover))
	assert.Empty(t, leftover)

	// A session guarded by another tenant sees nothing of this one, even
	// inside the right schema.
	sess, err := NewPostgresBackend(f.pool).Begin(ctx, ns)
	require.NoError(t, err)
	defer sess.Rollback(ctx)
	require.NoError(t, sess.SetGuard(ctx, "it_someone_else"))
	cfg, err := sess.GetAIConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	require.NoError(t, sess.Rollback(ctx))

	require.NoError(t, f.resolver.WithTenant(ctx, tenant, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		cfg, err := tx.GetAIConfig(ctx)
		require.NotNil(t, cfg)
		assert.Equal(t, tenant, cfg.TenantID)
		assert.Equal(t, "gpt-4o-mini", cfg.Model)
		return err
	}))
}

func TestPostgresIntegrationMessageDedup(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	acme := postgresIntegrationTenant("it_acme")
	globex := postgresIntegrationTenant("it_globex")
	f.provision(t, acme)
	f.provision(t, globex)

	inbound := func(contactID string) entities.Message {
		return entities.Message{
			ContactID: contactID,
			Content:   "Hello",
			Type:      "text",
			Status:    entities.StatusReceived,
			Direction: entities.DirectionInbound,
			Metadata:  map[string]any{entities.MetadataProviderID: "wamid.it.1"},
		}
	}

	var first entities.Message
	require.NoError(t, f.resolver.WithTenant(ctx, acme, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		contact, created, err := tx.FindOrCreateContact(ctx, "628111", "Budi")
		require.NoError(t, err)
		assert.True(t, created)

		var ok bool
		first, ok, err = tx.InsertMessage(ctx, inbound(contact.ID))
		require.NoError(t, err)
		assert.True(t, ok)

		again, ok, err := tx.InsertMessage(ctx, inbound(contact.ID))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, first.ID, again.ID)

		recent, err := tx.RecentMessages(ctx, contact.ID, 10)
		require.NoError(t, err)
		assert.Len(t, recent, 1)
		return tx.IncrementUsage(ctx, UsageReceived)
	}))
	assert.Equal(t, acme, first.TenantID)

	// The same provider id in another tenant is a different message.
	require.NoError(t, f.resolver.WithTenant(ctx, globex, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		contact, _, err := tx.FindOrCreateContact(ctx, "628111", "")
		require.NoError(t, err)
		msg, created, err := tx.InsertMessage(ctx, inbound(contact.ID))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, msg.ID)
		return nil
	}))

	require.NoError(t, f.resolver.WithTenant(ctx, acme, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		m, err := tx.UpsertMember(ctx, entities.Member{ExternalID: "user_1", Email: "budi@example.com", Name: "Budi"})
		require.NoError(t, err)
		again, err := tx.UpsertMember(ctx, entities.Member{ExternalID: "user_1", Email: "budi@acme.test", Name: "Budi"})
		require.NoError(t, err)
		assert.Equal(t, m.ID, again.ID)
		assert.Equal(t, "budi@acme.test", again.Email)
		return nil
	}))
}

func TestPostgresIntegrationLedgerLease(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	l := NewPostgresLedger(f.pool)
	dedup := postgresIntegrationTenant("it_ledger")
	t.Cleanup(func() {
		_, _ = f.pool.Exec(context.Background(), "DELETE FROM workflow_steps WHERE dedup_key = $1", dedup)
		_, _ = f.pool.Exec(context.Background(), "DELETE FROM workflow_runs WHERE dedup_key = $1", dedup)
	})
	deliver := entities.StepKey{EventName: entities.EventMessageReceived, DedupKey: dedup, StepName: "deliver-response"}
	persist := entities.StepKey{EventName: entities.EventMessageReceived, DedupKey: dedup, StepName: "persist-inbound"}

	c, err := l.Claim(ctx, deliver, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, c.Acquired)
	assert.Equal(t, entities.StepRunning, c.Execution.Status)
	assert.Equal(t, 1, c.Execution.Attempts)

	c, err = l.Claim(ctx, deliver, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, c.Acquired, "a live lease is not taken over")
	assert.Equal(t, "worker-a", c.Execution.Owner)

	assert.ErrorIs(t, l.Complete(ctx, deliver, "worker-b", []byte(`{}`), false), workflow.ErrLeaseLost)
	require.NoError(t, l.Complete(ctx, deliver, "worker-a", []byte(`{"provider_message_id":"wamid.out"}`), false))

	c, err = l.Claim(ctx, deliver, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, c.Acquired)
	assert.Equal(t, entities.StepCompleted, c.Execution.Status)
	assert.JSONEq(t, `{"provider_message_id":"wamid.out"}`, string(c.Execution.Result))

	_, err = l.Claim(ctx, persist, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, persist, "worker-a", "db down"))
	assert.ErrorIs(t, l.Fail(ctx, persist, "worker-a", "again"), workflow.ErrLeaseLost)

	c, err = l.Claim(ctx, persist, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Acquired, "a failed step is retried by whoever claims it")
	assert.Equal(t, "worker-b", c.Execution.Owner)
	assert.Equal(t, 2, c.Execution.Attempts)
	assert.Empty(t, c.Execution.Error)

	// An expired lease is taken over.
	_, err = f.pool.Exec(ctx, "UPDATE workflow_steps SET lease_until = NOW() - INTERVAL '1 second' WHERE dedup_key = $1 AND step_name = $2",
		dedup, persist.StepName)
	require.NoError(t, err)
	c, err = l.Claim(ctx, persist, "worker-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Acquired)
	assert.Equal(t, 3, c.Execution.Attempts)

	require.NoError(t, l.SaveRun(ctx, entities.WorkflowRun{EventName: entities.EventMessageReceived, DedupKey: dedup, TenantID: "it", Status: entities.RunCompleted}))
	run, err := l.GetRun(ctx, entities.EventMessageReceived, dedup)
	require.NoError(t, err)
	assert.Equal(t, entities.RunCompleted, run.Status)

	_, err = l.GetRun(ctx, entities.EventMessageReceived, dedup+"-missing")
	assert.ErrorIs(t, err, entities.ErrNotFound)
}
