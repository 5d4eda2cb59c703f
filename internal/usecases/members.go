package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/repository"
)

// MemberService mirrors identity provider users into their tenant.
type MemberService struct {
	tenants TenantScope
	log     *slog.Logger
}

func NewMemberService(tenants TenantScope, log *slog.Logger) *MemberService {
	if log == nil {
		log = slog.Default()
	}
	return &MemberService{tenants: tenants, log: log.With(slog.String("component", "members"))}
}

// Sync upserts m into tenantID. Replayed user events converge on one row.
func (s *MemberService) Sync(ctx context.Context, tenantID string, m entities.Member) (entities.Member, error) {
	m.ExternalID = strings.TrimSpace(m.ExternalID)
	if m.ExternalID == "" {
		return entities.Member{}, fmt.Errorf("%w: member has no user id", ErrInvalidInput)
	}
	m.Email = strings.TrimSpace(m.Email)
	m.Name = strings.TrimSpace(m.Name)

	var stored entities.Member
	err := s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		var err error
		stored, err = tx.UpsertMember(ctx, m)
		return err
	})
	if err != nil {
		return entities.Member{}, err
	}
	s.log.Info("member synced", slog.String("tenant", tenantID), slog.String("user_id", m.ExternalID))
	return stored, nil
}
