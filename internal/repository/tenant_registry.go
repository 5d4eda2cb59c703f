package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zapia_ai/internal/entities"
)

// RegistryStore persists the tenant → namespace mapping.
type RegistryStore interface {
	LoadNamespace(ctx context.Context, tenantID string) (entities.Namespace, error)
	SaveNamespace(ctx context.Context, ns entities.Namespace) error
}

// TenantRegistry maps tenant ids to namespaces created by provisioning.
// Namespaces are looked up, never built from request input.
type TenantRegistry struct {
	store RegistryStore
	mu    sync.RWMutex
	cache map[string]entities.Namespace
}

func NewTenantRegistry(store RegistryStore) *TenantRegistry {
	return &TenantRegistry{
		store: store,
		cache: make(map[string]entities.Namespace),
	}
}

// Lookup returns the namespace of a provisioned tenant.
func (r *TenantRegistry) Lookup(ctx context.Context, tenantID string) (entities.Namespace, error) {
	r.mu.RLock()
	ns, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok {
		return ns, nil
	}

	ns, err := r.store.LoadNamespace(ctx, tenantID)
	if errors.Is(err, entities.ErrNotFound) {
		return entities.Namespace{}, fmt.Errorf("%w: %s", entities.ErrTenantNotProvisioned, tenantID)
	}
	if err != nil {
		return entities.Namespace{}, entities.Transient(fmt.Errorf("load namespace: %w", err))
	}

	r.mu.Lock()
	r.cache[tenantID] = ns
	r.mu.Unlock()
	return ns, nil
}

// Register records the namespace of a validated tenant. Re-registering is a no-op.
func (r *TenantRegistry) Register(ctx context.Context, tenantID string) (entities.Namespace, error) {
	if !entities.ValidTenantID(tenantID) {
		return entities.Namespace{}, fmt.Errorf("%w: %q", entities.ErrInvalidTenantID, tenantID)
	}
	ns := entities.Namespace{
		TenantID:  tenantID,
		Schema:    entities.SchemaFor(tenantID),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveNamespace(ctx, ns); err != nil {
		return entities.Namespace{}, fmt.Errorf("save namespace: %w", err)
	}

	r.mu.Lock()
	r.cache[tenantID] = ns
	r.mu.Unlock()
	return ns, nil
}
