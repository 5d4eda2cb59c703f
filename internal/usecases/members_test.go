package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
)

func TestMemberSyncUpserts(t *testing.T) {
	f := newPipeline(t, "acme")
	svc := NewMemberService(f.resolver, nil)
	ctx := context.Background()

	created, err := svc.Sync(ctx, "acme", entities.Member{ExternalID: " user_1 ", Email: "budi@example.com", Name: "Budi "})
	require.NoError(t, err)
	assert.Equal(t, "user_1", created.ExternalID)
	assert.Equal(t, "Budi", created.Name)
	assert.Equal(t, "acme", created.TenantID)

	updated, err := svc.Sync(ctx, "acme", entities.Member{ExternalID: "user_1", Email: "budi@acme.test", Name: "Budi Santoso"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "budi@acme.test", updated.Email)
}

func TestMemberSyncRejects(t *testing.T) {
	f := newPipeline(t, "acme")
	svc := NewMemberService(f.resolver, nil)
	ctx := context.Background()

	_, err := svc.Sync(ctx, "acme", entities.Member{Email: "x@example.com"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Sync(ctx, "Acme Corp", entities.Member{ExternalID: "user_1"})
	assert.ErrorIs(t, err, entities.ErrInvalidTenantID)

	_, err = svc.Sync(ctx, "globex", entities.Member{ExternalID: "user_1"})
	assert.ErrorIs(t, err, entities.ErrTenantNotProvisioned)
}
