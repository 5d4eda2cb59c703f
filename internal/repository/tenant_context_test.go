package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
)

type spyLookup struct {
	NamespaceLookup
	calls int
}

func (s *spyLookup) Lookup(ctx context.Context, tenantID string) (entities.Namespace, error) {
	s.calls++
	return s.NamespaceLookup.Lookup(ctx, tenantID)
}

func newTestStore(t *testing.T, tenants ...string) (*MemoryBackend, *TenantRegistry, *Resolver) {
	t.Helper()
	backend := NewMemoryBackend()
	registry := NewTenantRegistry(backend)
	for _, id := range tenants {
		ns, err := registry.Register(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, backend.EnsurePartition(context.Background(), ns))
	}
	return backend, registry, NewResolver(backend, registry, nil)
}

func TestWithTenantRejectsInvalidIDsWithoutDataAccess(t *testing.T) {
	backend, registry, _ := newTestStore(t, "acme")
	lookup := &spyLookup{NamespaceLookup: registry}
	resolver := NewResolver(backend, lookup, nil)

	for _, id := range []string{"", "ACME", "acme; DROP SCHEMA public", "acme.contacts", "a b", `x"y`, "ténant"} {
		called := false
		err := resolver.WithTenant(context.Background(), id, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, entities.ErrInvalidTenantID, id)
		assert.False(t, called, id)
	}
	assert.Zero(t, lookup.calls)
	assert.Zero(t, backend.Begins())
}

func TestWithTenantUnknownTenant(t *testing.T) {
	backend, _, resolver := newTestStore(t)
	err := resolver.WithTenant(context.Background(), "ghost", func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		return nil
	})
	assert.ErrorIs(t, err, entities.ErrTenantNotProvisioned)
	assert.Zero(t, backend.Begins())
}

func TestWithTenantCommitsAndRollsBack(t *testing.T) {
	backend, _, resolver := newTestStore(t, "acme")
	ctx := context.Background()

	err := resolver.WithTenant(ctx, "acme", func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		assert.Equal(t, "tenant_acme", ns.Schema)
		_, _, err := tx.FindOrCreateContact(ctx, "628111", "Budi")
		return err
	})
	require.NoError(t, err)
	assert.Len(t, backend.Contacts("acme"), 1)

	boom := errors.New("boom")
	err = resolver.WithTenant(ctx, "acme", func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		if _, _, err := tx.FindOrCreateContact(ctx, "628222", "Sari"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, backend.Contacts("acme"), 1, "rolled back contact must not persist")
}

func TestWithTenantRollsBackOnPanic(t *testing.T) {
	backend, _, resolver := newTestStore(t, "acme")

	assert.Panics(t, func() {
		_ = resolver.WithTenant(context.Background(), "acme", func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
			_, _, _ = tx.FindOrCreateContact(ctx, "628333", "")
			panic("step bug")
		})
	})
	assert.Empty(t, backend.Contacts("acme"))

	// The partition must be usable again after the panic.
	err := resolver.WithTenant(context.Background(), "acme", func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestOperationsRequireGuard(t *testing.T) {
	backend, registry, _ := newTestStore(t, "acme")
	ns, err := registry.Lookup(context.Background(), "acme")
	require.NoError(t, err)

	sess, err := backend.Begin(context.Background(), ns)
	require.NoError(t, err)
	defer sess.Rollback(context.Background())

	_, _, err = sess.FindOrCreateContact(context.Background(), "628", "")
	assert.ErrorIs(t, err, errGuardMismatch)

	require.NoError(t, sess.SetGuard(context.Background(), "other"))
	_, err = sess.RecentMessages(context.Background(), "c", 20)
	assert.ErrorIs(t, err, errGuardMismatch)
}

func TestConcurrentTenantsStayIsolated(t *testing.T) {
	backend, _, resolver := newTestStore(t, "acme", "globex")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, tenant := range []string{"acme", "globex"} {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(tenant string, i int) {
				defer wg.Done()
				err := resolver.WithTenant(ctx, tenant, func(ctx context.Context, tx TenantTx, ns entities.Namespace) error {
					assert.Equal(t, tenant, tx.TenantID())
					c, _, err := tx.FindOrCreateContact(ctx, fmt.Sprintf("62%s%d", tenant, i), "")
					if err != nil {
						return err
					}
					assert.Equal(t, tenant, c.TenantID)
					return nil
				})
				assert.NoError(t, err)
			}(tenant, i)
		}
	}
	wg.Wait()

	for _, tenant := range []string{"acme", "globex"} {
		contacts := backend.Contacts(tenant)
		assert.Len(t, contacts, 20)
		for _, c := range contacts {
			assert.Equal(t, tenant, c.TenantID)
			assert.Contains(t, c.Phone, tenant)
		}
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	registry := NewTenantRegistry(backend)
	ctx := context.Background()

	first, err := registry.Register(ctx, "acme")
	require.NoError(t, err)
	second, err := registry.Register(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, first.Schema, second.Schema)

	_, err = registry.Register(ctx, "Bad Tenant")
	assert.ErrorIs(t, err, entities.ErrInvalidTenantID)

	fresh := NewTenantRegistry(backend)
	ns, err := fresh.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant_acme", ns.Schema)
}
