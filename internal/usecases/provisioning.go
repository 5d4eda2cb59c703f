package usecases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
	"zapia_ai/internal/repository"
	"zapia_ai/internal/workflow"
)

const (
	WorkflowProvisionTenant = "provision-tenant"

	StepCreatePartition = "create-partition"
	StepCreateBucket    = "create-bucket"
	StepInitCRM         = "init-crm"
	StepSeedAIConfig    = "seed-ai-config"
)

// Partitioner creates the isolated storage partition of a namespace.
type Partitioner interface {
	EnsurePartition(ctx context.Context, ns entities.Namespace) error
}

// Registrar records a provisioned namespace.
type Registrar interface {
	Register(ctx context.Context, tenantID string) (entities.Namespace, error)
}

// TenantIDForOrg derives the tenant id of an identity-provider organization.
// Organization ids are case sensitive and tenant ids are lower case, so an
// upper-case letter becomes "-" plus the letter and a literal "-" is doubled.
// Distinct organizations never share a tenant.
func TenantIDForOrg(orgID string) string {
	var b strings.Builder
	b.Grow(len(orgID) + 8)
	for _, r := range orgID {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
		case r == '-':
			b.WriteString("--")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

const (
	bucketPrefix  = "zapia-org-"
	maxBucketName = 63
	bucketHashLen = 8
)

// BucketFor names the object storage bucket of a tenant. Bucket names allow
// lower-case letters, digits and hyphens only. A name that had to be rewritten
// or shortened carries a hash of the tenant id so it stays distinct.
func BucketFor(tenantID string) string {
	name := strings.ReplaceAll(tenantID, "_", "-")
	if name == tenantID && len(bucketPrefix)+len(name) <= maxBucketName &&
		name != "" && !strings.HasSuffix(name, "-") && !strings.Contains(name, "--") &&
		!strings.HasSuffix(name, "-s3alias") {
		return bucketPrefix + name
	}

	sum := sha256.Sum256([]byte(tenantID))
	hash := hex.EncodeToString(sum[:])[:bucketHashLen]
	base := name
	if limit := maxBucketName - len(bucketPrefix) - 1 - bucketHashLen; len(base) > limit {
		base = base[:limit]
	}
	base = strings.Trim(base, "-")
	if base == "" {
		return bucketPrefix + hash
	}
	return bucketPrefix + base + "-" + hash
}

// CRMWorkspaceFor names the CRM workspace of a tenant.
func CRMWorkspaceFor(tenantID string) string { return "crm_" + tenantID }

// ProvisionedTenant is the output of create-partition.
type ProvisionedTenant struct {
	TenantID string `json:"tenant_id"`
	Schema   string `json:"schema"`
}

// ProvisioningService sets up everything a new organization needs. Every step
// is safe to run again, so a replayed organization event converges.
type ProvisioningService struct {
	partitions Partitioner
	registry   Registrar
	tenants    TenantScope
	buckets    interfaces.ObjectStore
	crm        interfaces.CRM
	log        *slog.Logger
}

func NewProvisioningService(partitions Partitioner, registry Registrar, tenants TenantScope, buckets interfaces.ObjectStore, crm interfaces.CRM, log *slog.Logger) *ProvisioningService {
	if log == nil {
		log = slog.Default()
	}
	return &ProvisioningService{
		partitions: partitions,
		registry:   registry,
		tenants:    tenants,
		buckets:    buckets,
		crm:        crm,
		log:        log.With(slog.String("workflow", WorkflowProvisionTenant)),
	}
}

func (s *ProvisioningService) Workflow() workflow.Workflow {
	return workflow.Workflow{
		Name:    WorkflowProvisionTenant,
		Trigger: entities.EventOrganizationCreated,
		Steps: []workflow.Step{
			{Name: StepCreatePartition, Run: s.createPartition, Timeout: 2 * time.Minute},
			{Name: StepCreateBucket, Run: s.createBucket},
			{Name: StepInitCRM, Run: s.initCRM},
			{Name: StepSeedAIConfig, Run: s.seedAIConfig, BestEffort: true},
		},
	}
}

func (s *ProvisioningService) createPartition(ctx context.Context, run *workflow.Run) (any, error) {
	tenantID := run.Event.TenantID
	if !entities.ValidTenantID(tenantID) {
		return nil, entities.Fatal(fmt.Errorf("%w: %q", entities.ErrInvalidTenantID, tenantID))
	}
	ns := entities.Namespace{TenantID: tenantID, Schema: entities.SchemaFor(tenantID)}
	if err := s.partitions.EnsurePartition(ctx, ns); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", ns.Schema, err)
	}
	registered, err := s.registry.Register(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("register tenant: %w", err)
	}
	s.log.Info("tenant partition ready", slog.String("tenant", tenantID), slog.String("schema", registered.Schema))
	return ProvisionedTenant{TenantID: tenantID, Schema: registered.Schema}, nil
}

func (s *ProvisioningService) createBucket(ctx context.Context, run *workflow.Run) (any, error) {
	p, err := workflow.Output[ProvisionedTenant](run, StepCreatePartition)
	if err != nil {
		return nil, err
	}
	bucket := BucketFor(p.TenantID)
	if err := s.buckets.EnsureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return map[string]string{"bucket": bucket}, nil
}

func (s *ProvisioningService) initCRM(ctx context.Context, run *workflow.Run) (any, error) {
	p, err := workflow.Output[ProvisionedTenant](run, StepCreatePartition)
	if err != nil {
		return nil, err
	}
	key := CRMWorkspaceFor(p.TenantID)
	if err := s.crm.EnsureWorkspace(ctx, key); err != nil {
		return nil, err
	}
	return map[string]string{"workspace": key}, nil
}

func (s *ProvisioningService) seedAIConfig(ctx context.Context, run *workflow.Run) (any, error) {
	p, err := workflow.Output[ProvisionedTenant](run, StepCreatePartition)
	if err != nil {
		return nil, err
	}
	seeded := false
	err = s.tenants.WithTenant(ctx, p.TenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		existing, err := tx.GetAIConfig(ctx)
		if err != nil || existing != nil {
			return err
		}
		seeded = true
		return tx.UpsertAIConfig(ctx, entities.DefaultAIConfig(p.TenantID))
	})
	if err != nil {
		return nil, tenantError(err)
	}
	return map[string]bool{"seeded": seeded}, nil
}
