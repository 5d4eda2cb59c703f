package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
	"zapia_ai/internal/repository"
)

var ErrInvalidInput = errors.New("invalid input")

// SenderCache forgets a tenant's outbound sender after its credentials change.
type SenderCache interface {
	Invalidate(tenantID string)
}

// Settings is what a tenant administrator sees of its configuration.
type Settings struct {
	AI       entities.AIConfig        `json:"ai"`
	WhatsApp *entities.WhatsAppConfig `json:"whatsapp,omitempty"`
}

type SettingsService struct {
	tenants TenantScope
	senders SenderCache
}

func NewSettingsService(tenants TenantScope, senders SenderCache) *SettingsService {
	return &SettingsService{tenants: tenants, senders: senders}
}

// Get returns the tenant's settings with defaults applied and secrets redacted.
func (s *SettingsService) Get(ctx context.Context, tenantID string) (Settings, error) {
	out := Settings{AI: entities.DefaultAIConfig(tenantID)}
	err := s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		ai, err := tx.GetAIConfig(ctx)
		if err != nil {
			return err
		}
		if ai != nil {
			out.AI = ai.WithDefaults()
		}
		wa, err := tx.GetWhatsAppConfig(ctx)
		if err != nil {
			return err
		}
		if wa != nil {
			redacted := wa.Redacted()
			out.WhatsApp = &redacted
		}
		return nil
	})
	return out, err
}

func (s *SettingsService) UpdateAI(ctx context.Context, tenantID string, cfg entities.AIConfig) (entities.AIConfig, error) {
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg = cfg.WithDefaults()
	err := s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		return tx.UpsertAIConfig(ctx, cfg)
	})
	cfg.TenantID = tenantID
	return cfg, err
}

func (s *SettingsService) UpdateWhatsApp(ctx context.Context, tenantID string, cfg entities.WhatsAppConfig) (entities.WhatsAppConfig, error) {
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return entities.WhatsAppConfig{}, fmt.Errorf("%w: phone_number_id and access_token are required", ErrInvalidInput)
	}
	err := s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		return tx.UpsertWhatsAppConfig(ctx, cfg)
	})
	if err != nil {
		return entities.WhatsAppConfig{}, err
	}
	if s.senders != nil {
		s.senders.Invalidate(tenantID)
	}
	cfg.TenantID = tenantID
	return cfg.Redacted(), nil
}

// KnowledgeService adds documents to a tenant's retrieval corpus.
type KnowledgeService struct {
	tenants  TenantScope
	embedder interfaces.Embedder
}

func NewKnowledgeService(tenants TenantScope, embedder interfaces.Embedder) *KnowledgeService {
	return &KnowledgeService{tenants: tenants, embedder: embedder}
}

// Add embeds content before opening the tenant transaction.
func (s *KnowledgeService) Add(ctx context.Context, tenantID, content string, metadata map[string]any) (entities.KnowledgeChunk, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return entities.KnowledgeChunk{}, fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	if !entities.ValidTenantID(tenantID) {
		return entities.KnowledgeChunk{}, fmt.Errorf("%w: %q", entities.ErrInvalidTenantID, tenantID)
	}
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return entities.KnowledgeChunk{}, fmt.Errorf("embed knowledge: %w", err)
	}

	var stored entities.KnowledgeChunk
	err = s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		var err error
		stored, err = tx.InsertKnowledge(ctx, entities.KnowledgeChunk{
			Content:   content,
			Embedding: embedding,
			Metadata:  metadata,
		})
		return err
	})
	return stored, err
}
