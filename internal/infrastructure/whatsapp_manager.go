package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
)

var ErrWhatsAppNotConfigured = errors.New("whatsapp credentials not configured")

// WhatsAppManager hands out one sender per tenant. Tenant credentials come from
// the tenant's whatsapp_configs row; tenants without one share the fallback
// credentials from the environment. Outbound sends are throttled per tenant.
type WhatsAppManager struct {
	mu       sync.RWMutex
	senders  map[string]*tenantSender
	baseURL  string
	fallback entities.WhatsAppConfig
	limiter  *TenantRateLimiter
	http     *http.Client
}

type tenantSender struct {
	phoneNumberID string
	accessToken   string
	messenger     interfaces.Messenger
}

func NewWhatsAppManager(baseURL string, fallback entities.WhatsAppConfig, limiter *TenantRateLimiter, httpClient *http.Client) *WhatsAppManager {
	return &WhatsAppManager{
		senders:  make(map[string]*tenantSender),
		baseURL:  baseURL,
		fallback: fallback,
		limiter:  limiter,
		http:     httpClient,
	}
}

// Sender returns the messenger for tenantID. cfg is the tenant's stored config
// and may be nil. A cached sender is rebuilt when its credentials changed.
func (m *WhatsAppManager) Sender(tenantID string, cfg *entities.WhatsAppConfig) (interfaces.Messenger, error) {
	creds := m.fallback
	if cfg != nil && cfg.PhoneNumberID != "" && cfg.AccessToken != "" {
		creds = *cfg
	}
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return nil, entities.Fatal(fmt.Errorf("%w for tenant %s", ErrWhatsAppNotConfigured, tenantID))
	}

	m.mu.RLock()
	s, ok := m.senders[tenantID]
	m.mu.RUnlock()
	if ok && s.phoneNumberID == creds.PhoneNumberID && s.accessToken == creds.AccessToken {
		return s.messenger, nil
	}

	var messenger interfaces.Messenger = NewWhatsAppCloudClient(m.baseURL, creds.AccessToken, creds.PhoneNumberID, m.http)
	if m.limiter != nil {
		messenger = &throttledMessenger{tenantID: tenantID, limiter: m.limiter, next: messenger}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[tenantID] = &tenantSender{
		phoneNumberID: creds.PhoneNumberID,
		accessToken:   creds.AccessToken,
		messenger:     messenger,
	}
	return messenger, nil
}

// Invalidate drops the cached sender of tenantID.
func (m *WhatsAppManager) Invalidate(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senders, tenantID)
}

// Tenants returns the ids with a cached sender.
func (m *WhatsAppManager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.senders))
	for id := range m.senders {
		ids = append(ids, id)
	}
	return ids
}

type throttledMessenger struct {
	tenantID string
	limiter  *TenantRateLimiter
	next     interfaces.Messenger
}

func (t *throttledMessenger) Send(ctx context.Context, to, text string) (string, error) {
	if err := t.limiter.Wait(ctx, t.tenantID); err != nil {
		return "", entities.Transient(fmt.Errorf("outbound throttle: %w", err))
	}
	return t.next.Send(ctx, to, text)
}
