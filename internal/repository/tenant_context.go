package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zapia_ai/internal/entities"
)

// UsageReceived and UsageSent name the daily usage counters.
const (
	UsageReceived = "received"
	UsageSent     = "sent"
)

// TenantTx is the tenant-bound data handle handed to WithTenant callbacks.
// It is only valid inside the callback; every operation is confined to the
// namespace and guard of the enclosing transaction.
type TenantTx interface {
	TenantID() string

	FindOrCreateContact(ctx context.Context, phone, name string) (entities.Contact, bool, error)
	// InsertMessage stores msg. When msg carries a provider message id that
	// already exists, the existing row is returned with created=false.
	InsertMessage(ctx context.Context, msg entities.Message) (stored entities.Message, created bool, err error)
	// RecentMessages returns up to limit most recent messages of a contact, oldest first.
	RecentMessages(ctx context.Context, contactID string, limit int) ([]entities.Message, error)

	// SearchKnowledge ranks chunks by cosine similarity, keeping those strictly
	// above threshold, best first.
	SearchKnowledge(ctx context.Context, embedding []float32, threshold float64, limit int) ([]entities.ScoredChunk, error)
	InsertKnowledge(ctx context.Context, chunk entities.KnowledgeChunk) (entities.KnowledgeChunk, error)

	GetAIConfig(ctx context.Context) (*entities.AIConfig, error)
	UpsertAIConfig(ctx context.Context, cfg entities.AIConfig) error
	GetWhatsAppConfig(ctx context.Context) (*entities.WhatsAppConfig, error)
	UpsertWhatsAppConfig(ctx context.Context, cfg entities.WhatsAppConfig) error

	IncrementUsage(ctx context.Context, counter string) error

	// UpsertMember stores m keyed by its ExternalID.
	UpsertMember(ctx context.Context, m entities.Member) (entities.Member, error)
}

// TxSession is a TenantTx with its transaction controls.
type TxSession interface {
	TenantTx
	// SetGuard sets the transaction-local tenant guard.
	SetGuard(ctx context.Context, tenantID string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBackend opens tenant sessions on a storage engine.
type TxBackend interface {
	Begin(ctx context.Context, ns entities.Namespace) (TxSession, error)
}

// NamespaceLookup resolves a tenant id to its namespace.
type NamespaceLookup interface {
	Lookup(ctx context.Context, tenantID string) (entities.Namespace, error)
}

// Resolver is the only entry point to tenant-scoped data.
type Resolver struct {
	backend  TxBackend
	registry NamespaceLookup
	log      *slog.Logger
}

func NewResolver(backend TxBackend, registry NamespaceLookup, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{backend: backend, registry: registry, log: log}
}

// WithTenant validates tenantID, resolves its namespace and runs fn inside a
// transaction guarded by that tenant. fn's error rolls everything back.
// An invalid id fails with ErrInvalidTenantID before any data access.
func (r *Resolver) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, tx TenantTx, ns entities.Namespace) error) (err error) {
	if !entities.ValidTenantID(tenantID) {
		return fmt.Errorf("%w: %q", entities.ErrInvalidTenantID, tenantID)
	}

	ns, err := r.registry.Lookup(ctx, tenantID)
	if err != nil {
		return err
	}

	sess, err := r.backend.Begin(ctx, ns)
	if err != nil {
		return entities.Transient(fmt.Errorf("begin tenant tx: %w", err))
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sess.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.log.Warn("tenant tx rollback", slog.String("tenant_id", tenantID), slog.Any("error", rbErr))
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := sess.SetGuard(ctx, tenantID); err != nil {
		return fmt.Errorf("set tenant guard: %w", err)
	}
	if err := fn(ctx, sess, ns); err != nil {
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		return entities.Transient(fmt.Errorf("commit tenant tx: %w", err))
	}
	committed = true
	return nil
}

// errGuardMismatch is returned by stores when an operation runs without the
// guard of its namespace.
var errGuardMismatch = errors.New("tenant guard does not match namespace")
