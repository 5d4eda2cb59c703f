package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
)

type invalidations struct{ tenants []string }

func (i *invalidations) Invalidate(tenantID string) { i.tenants = append(i.tenants, tenantID) }

func TestSettingsRoundTrip(t *testing.T) {
	f := newPipeline(t, "acme")
	inv := &invalidations{}
	svc := NewSettingsService(f.resolver, inv)
	ctx := context.Background()

	got, err := svc.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, entities.DefaultAIConfig("acme"), got.AI)
	assert.Nil(t, got.WhatsApp)

	_, err = svc.UpdateAI(ctx, "acme", entities.AIConfig{Model: " gpt-4o-mini ", IsActive: true})
	require.NoError(t, err)

	_, err = svc.UpdateWhatsApp(ctx, "acme", entities.WhatsAppConfig{PhoneNumberID: "pn"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	wa, err := svc.UpdateWhatsApp(ctx, "acme", entities.WhatsAppConfig{PhoneNumberID: "pn", AccessToken: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "********", wa.AccessToken)
	assert.Equal(t, []string{"acme"}, inv.tenants)

	got, err = svc.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.AI.Model)
	assert.Equal(t, entities.DefaultSystemPrompt, got.AI.SystemPrompt)
	require.NotNil(t, got.WhatsApp)
	assert.Equal(t, "pn", got.WhatsApp.PhoneNumberID)
	assert.Equal(t, "********", got.WhatsApp.AccessToken)

	_, err = svc.Get(ctx, "ACME")
	assert.ErrorIs(t, err, entities.ErrInvalidTenantID)
}

func TestKnowledgeAdd(t *testing.T) {
	f := newPipeline(t, "acme")
	svc := NewKnowledgeService(f.resolver, f.embedder)
	ctx := context.Background()

	_, err := svc.Add(ctx, "acme", "   ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	chunk, err := svc.Add(ctx, "acme", " We open at 9am. ", map[string]any{"source": "faq"})
	require.NoError(t, err)
	assert.Equal(t, "We open at 9am.", chunk.Content)
	assert.Equal(t, "acme", chunk.TenantID)
	assert.NotEmpty(t, chunk.ID)

	f.embedder.err = errors.New("quota exceeded")
	_, err = svc.Add(ctx, "acme", "more", nil)
	assert.Error(t, err)
}

func TestAuthVerify(t *testing.T) {
	auth := NewAuthUsecase("s3cret")

	token, err := auth.Issue(entities.Identity{UserID: "user_1", TenantID: "org_ABC", Role: "org:admin"}, time.Hour)
	require.NoError(t, err)
	id, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, entities.Identity{UserID: "user_1", TenantID: "org_-a-b-c", Role: "org:admin"}, id)
	assert.True(t, id.IsAdmin())

	_, err = NewAuthUsecase("other").Verify(token)
	assert.ErrorIs(t, err, entities.ErrUnauthorized)

	expired, err := auth.Issue(entities.Identity{UserID: "user_1"}, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Verify(expired)
	assert.ErrorIs(t, err, entities.ErrUnauthorized)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user_1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Verify(unsigned)
	assert.ErrorIs(t, err, entities.ErrUnauthorized)

	_, err = NewAuthUsecase("").Verify(token)
	assert.ErrorIs(t, err, entities.ErrUnauthorized)
}
