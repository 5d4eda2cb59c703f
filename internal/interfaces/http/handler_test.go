package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/infrastructure"
	"zapia_ai/internal/interfaces"
	"zapia_ai/internal/repository"
	"zapia_ai/internal/usecases"
)

const (
	testJWTSecret  = "jwt-secret"
	testAppSecret  = "app-secret"
	testClerkKey   = "clerk-signing-key"
	testVerifyCode = "zapia_verify_token"
)

type fakeBus struct {
	mu     sync.Mutex
	events []entities.Event
	err    error
}

func (b *fakeBus) Publish(ctx context.Context, ev entities.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}
func (b *fakeBus) Subscribe(string, interfaces.EventHandler) {}
func (b *fakeBus) Start(context.Context) error              { return nil }
func (b *fakeBus) Close() error                             { return nil }

func (b *fakeBus) Events() []entities.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]entities.Event(nil), b.events...)
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type server struct {
	router   *gin.Engine
	bus      *fakeBus
	handler  *Handler
	auth     *usecases.AuthUsecase
	backend  *repository.MemoryBackend
}

func newServer(t *testing.T, secrets WebhookSecrets, limiter *infrastructure.TenantRateLimiter) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := repository.NewMemoryBackend()
	registry := repository.NewTenantRegistry(backend)
	ns, err := registry.Register(context.Background(), "org_acme")
	require.NoError(t, err)
	require.NoError(t, backend.EnsurePartition(context.Background(), ns))
	resolver := repository.NewResolver(backend, registry, nil)

	bus := &fakeBus{}
	auth := usecases.NewAuthUsecase(testJWTSecret)
	h := NewHandler(
		usecases.NewIngestService(bus, nil),
		usecases.NewSettingsService(resolver, nil),
		usecases.NewKnowledgeService(resolver, staticEmbedder{}),
		usecases.NewMemberService(resolver, nil),
		secrets,
		nil,
	)
	r := gin.New()
	SetupRoutes(r, h, NewMiddleware(auth, limiter, nil))
	return &server{router: r, bus: bus, handler: h, auth: auth, backend: backend}
}

func (s *server) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// hook posts a WhatsApp callback signed with testAppSecret.
func (s *server) hook(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", hubSignature(testAppSecret, body))
	return s.do(req)
}

func (s *server) token(t *testing.T, orgID string) string {
	t.Helper()
	tok, err := s.auth.Issue(entities.Identity{UserID: "user_1", TenantID: orgID, Role: "org:admin"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) authed(t *testing.T, method, path, orgID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token(t, orgID))
	return s.do(req)
}

const inboundHook = `{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{
"messaging_product":"whatsapp","metadata":{"phone_number_id":"pn-1"},
"contacts":[{"wa_id":"628111","profile":{"name":"Budi"}}],
"messages":[{"id":"wamid.123","from":"628111","timestamp":"1700000000","type":"text","text":{"body":"Hello"}}]}}]}]}`

func TestVerifyWhatsAppWebhook(t *testing.T) {
	s := newServer(t, WebhookSecrets{WhatsAppVerifyToken: testVerifyCode}, nil)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"hub params", "hub.mode=subscribe&hub.verify_token=zapia_verify_token&hub.challenge=12345", http.StatusOK, "12345"},
		{"plain params", "mode=subscribe&verify_token=zapia_verify_token&challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, "Forbidden"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=zapia_verify_token", http.StatusForbidden, "Forbidden"},
		{"missing params", "hub.challenge=12345", http.StatusBadRequest, "Bad Request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(httptest.NewRequest(http.MethodGet, "/api/webhooks/whatsapp?"+tt.query, nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

var hookSecrets = WebhookSecrets{WhatsAppAppSecret: testAppSecret}

func TestWhatsAppWebhookPublishesMessage(t *testing.T) {
	s := newServer(t, hookSecrets, nil)

	w := s.hook("/api/webhooks/whatsapp?tenantId=org_acme", inboundHook)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EVENT_RECEIVED", w.Body.String())

	events := s.bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entities.EventMessageReceived, events[0].Name)
	assert.Equal(t, "org_acme", events[0].TenantID)
	assert.Equal(t, "wamid.123", events[0].DedupKey)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWhatsAppWebhookAcknowledgesUnusableDeliveries(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{"missing tenant", "/api/webhooks/whatsapp", inboundHook, http.StatusOK, "OK - Missing Tenant"},
		{"invalid tenant", "/api/webhooks/whatsapp?tenantId=Acme%20Corp", inboundHook, http.StatusOK, "OK - Missing Tenant"},
		{"not json", "/api/webhooks/whatsapp?tenantId=org_acme", "{", http.StatusBadRequest, "Bad Request"},
		{"foreign object", "/api/webhooks/whatsapp?tenantId=org_acme", `{"object":"page","entry":[]}`, http.StatusNotFound, "Not a WhatsApp event"},
		{"foreign object without tenant", "/api/webhooks/whatsapp", `{"object":"page","entry":[]}`, http.StatusNotFound, "Not a WhatsApp event"},
		{"no messages", "/api/webhooks/whatsapp?tenantId=org_acme", `{"object":"whatsapp_business_account","entry":[{"changes":[{}]}]}`, http.StatusNotFound, "Not a WhatsApp event"},
		{"no messages without tenant", "/api/webhooks/whatsapp", `{"object":"whatsapp_business_account","entry":[{"changes":[{}]}]}`, http.StatusNotFound, "Not a WhatsApp event"},
		{"status callback", "/api/webhooks/whatsapp?tenantId=org_acme",
			`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.out.1","status":"read"}]}}]}]}`,
			http.StatusOK, "EVENT_RECEIVED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, hookSecrets, nil)
			w := s.hook(tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
			assert.Empty(t, s.bus.Events())
		})
	}
}

func TestWhatsAppWebhookPublishFailure(t *testing.T) {
	s := newServer(t, hookSecrets, nil)
	s.bus.err = errors.New("broker unavailable")

	w := s.hook("/api/webhooks/whatsapp?tenantId=org_acme", inboundHook)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func hubSignature(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWhatsAppWebhookSignature(t *testing.T) {
	s := newServer(t, hookSecrets, nil)
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp?tenantId=org_acme", strings.NewReader(inboundHook))
		if sig != "" {
			req.Header.Set("X-Hub-Signature-256", sig)
		}
		return s.do(req)
	}

	assert.Equal(t, http.StatusUnauthorized, post("").Code)
	assert.Equal(t, http.StatusUnauthorized, post(hubSignature("other", inboundHook)).Code)
	assert.Equal(t, http.StatusUnauthorized, post("sha256=").Code)
	assert.Empty(t, s.bus.Events())

	w := post(hubSignature(testAppSecret, inboundHook))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, s.bus.Events(), 1)
}

func TestWhatsAppWebhookWithoutAppSecretRejectsEverything(t *testing.T) {
	s := newServer(t, WebhookSecrets{WhatsAppVerifyToken: testVerifyCode}, nil)

	unsigned := httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp?tenantId=org_acme", strings.NewReader(inboundHook))
	w := s.do(unsigned)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A signature made with an empty key proves nothing either.
	forged := httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp?tenantId=org_acme", strings.NewReader(inboundHook))
	forged.Header.Set("X-Hub-Signature-256", hubSignature("", inboundHook))
	assert.Equal(t, http.StatusUnauthorized, s.do(forged).Code)

	assert.Empty(t, s.bus.Events())
}

func clerkSecret() string {
	return "whsec_" + base64.StdEncoding.EncodeToString([]byte(testClerkKey))
}

type svixHeaders struct {
	id, timestamp, signature string
}

func svixSign(id string, ts time.Time, body string) svixHeaders {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testClerkKey))
	mac.Write([]byte(id + "." + stamp + "." + body))
	return svixHeaders{id: id, timestamp: stamp, signature: "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))}
}

func clerkRequest(h svixHeaders, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/clerk", strings.NewReader(body))
	req.Header.Set("svix-id", h.id)
	req.Header.Set("svix-timestamp", h.timestamp)
	req.Header.Set("svix-signature", h.signature)
	return req
}

func TestClerkWebhookProvisionsOrganization(t *testing.T) {
	s := newServer(t, WebhookSecrets{ClerkSecret: clerkSecret()}, nil)

	body := `{"type":"organization.created","data":{"id":"org_2NewCo","name":"NewCo","slug":"newco"}}`
	w := s.do(clerkRequest(svixSign("msg_1", time.Now(), body), body))
	require.Equal(t, http.StatusOK, w.Code)

	events := s.bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entities.EventOrganizationCreated, events[0].Name)
	assert.Equal(t, "org_2-new-co", events[0].TenantID)
	assert.Equal(t, "org_2NewCo", events[0].DedupKey)

	var org entities.OrganizationCreated
	require.NoError(t, json.Unmarshal(events[0].Payload, &org))
	assert.Equal(t, "NewCo", org.Name)

	other := `{"type":"session.created","data":{"id":"sess_1"}}`
	w = s.do(clerkRequest(svixSign("msg_2", time.Now(), other), other))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, s.bus.Events(), 1)
}

func TestClerkWebhookRejectsBadSignatures(t *testing.T) {
	now := time.Now()
	body := `{"type":"organization.created","data":{"id":"org_x"}}`

	tampered := svixSign("msg_1", now, body)
	stale := svixSign("msg_1", now.Add(-10*time.Minute), body)
	future := svixSign("msg_1", now.Add(10*time.Minute), body)

	tests := []struct {
		name    string
		secret  string
		headers svixHeaders
		body    string
	}{
		{"missing headers", clerkSecret(), svixHeaders{}, body},
		{"tampered body", clerkSecret(), tampered, `{"type":"organization.created","data":{"id":"org_evil"}}`},
		{"stale timestamp", clerkSecret(), stale, body},
		{"future timestamp", clerkSecret(), future, body},
		{"no secret configured", "", tampered, body},
		{"unusable secret", "whsec_%%%", tampered, body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, WebhookSecrets{ClerkSecret: tt.secret}, nil)
			w := s.do(clerkRequest(tt.headers, tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, s.bus.Events())
		})
	}
}

func TestClerkWebhookAcceptsAnyListedSignature(t *testing.T) {
	s := newServer(t, WebhookSecrets{ClerkSecret: clerkSecret()}, nil)
	body := `{"type":"organization.created","data":{"id":"org_rotated"}}`

	h := svixSign("msg_1", time.Now(), body)
	h.signature = "v1,bm9wZQ== v2,ignored " + h.signature
	assert.Equal(t, http.StatusOK, s.do(clerkRequest(h, body)).Code)

	h.signature = "v1,bm9wZQ== v2,ignored"
	assert.Equal(t, http.StatusBadRequest, s.do(clerkRequest(h, body)).Code)
	assert.Len(t, s.bus.Events(), 1)
}

func TestClerkWebhookSyncsMembers(t *testing.T) {
	s := newServer(t, WebhookSecrets{ClerkSecret: clerkSecret()}, nil)
	send := func(id, body string) *httptest.ResponseRecorder {
		return s.do(clerkRequest(svixSign(id, time.Now(), body), body))
	}

	created := `{"type":"user.created","data":{"id":"user_1","first_name":"Budi","last_name":"Santoso",
"primary_email_address_id":"idn_2","email_addresses":[{"id":"idn_1","email_address":"old@example.com"},{"id":"idn_2","email_address":"budi@example.com"}],
"public_metadata":{"tenantId":"org_acme"}}}`
	require.Equal(t, http.StatusOK, send("msg_1", created).Code)

	updated := `{"type":"user.updated","data":{"id":"user_1","first_name":"Budi","last_name":"",
"email_addresses":[{"id":"idn_3","email_address":"budi@acme.test"}],"public_metadata":{"tenantId":"org_acme"}}}`
	require.Equal(t, http.StatusOK, send("msg_2", updated).Code)

	members := s.backend.Members("org_acme")
	require.Len(t, members, 1)
	assert.Equal(t, "user_1", members[0].ExternalID)
	assert.Equal(t, "Budi", members[0].Name)
	assert.Equal(t, "budi@acme.test", members[0].Email)
	assert.Empty(t, s.bus.Events())

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"no tenant", `{"type":"user.created","data":{"id":"user_2","public_metadata":{}}}`, http.StatusOK},
		{"invalid tenant", `{"type":"user.created","data":{"id":"user_2","public_metadata":{"tenantId":"Acme Corp"}}}`, http.StatusBadRequest},
		{"unprovisioned tenant", `{"type":"user.created","data":{"id":"user_2","public_metadata":{"tenantId":"org_later"}}}`, http.StatusNotFound},
		{"no user id", `{"type":"user.updated","data":{"public_metadata":{"tenantId":"org_acme"}}}`, http.StatusBadRequest},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send("msg_case_"+strconv.Itoa(i), tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestSettingsRequireIdentity(t *testing.T) {
	s := newServer(t, WebhookSecrets{}, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)

	w = s.authed(t, http.MethodGet, "/api/settings", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.authed(t, http.MethodGet, "/api/settings", "org_unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsAPI(t *testing.T) {
	s := newServer(t, WebhookSecrets{}, nil)

	w := s.authed(t, http.MethodGet, "/api/settings", "org_acme", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got usecases.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, entities.DefaultModel, got.AI.Model)
	assert.True(t, got.AI.IsActive)

	w = s.authed(t, http.MethodPut, "/api/settings/ai", "org_acme", `{"model":"gpt-4o-mini","system_prompt":"Be brief.","is_active":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.authed(t, http.MethodPut, "/api/settings/ai", "org_acme", `{"model":"gpt 4; drop"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.authed(t, http.MethodPut, "/api/settings/whatsapp", "org_acme", `{"phone_number_id":"10987","access_token":"EAAG-secret"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "EAAG-secret")

	w = s.authed(t, http.MethodPut, "/api/settings/whatsapp", "org_acme", `{"phone_number_id":"abc","access_token":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.authed(t, http.MethodGet, "/api/settings", "org_acme", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "gpt-4o-mini", got.AI.Model)
	assert.Equal(t, "Be brief.", got.AI.SystemPrompt)
	assert.False(t, got.AI.IsActive)
	require.NotNil(t, got.WhatsApp)
	assert.Equal(t, "10987", got.WhatsApp.PhoneNumberID)
	assert.Equal(t, "********", got.WhatsApp.AccessToken)
}

func TestAddKnowledge(t *testing.T) {
	s := newServer(t, WebhookSecrets{}, nil)

	w := s.authed(t, http.MethodPost, "/api/knowledge", "org_acme", `{"content":"Delivery takes 2 days.","metadata":{"source":"faq"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var chunk entities.KnowledgeChunk
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chunk))
	assert.Equal(t, "Delivery takes 2 days.", chunk.Content)
	assert.Equal(t, "org_acme", chunk.TenantID)
	assert.NotEmpty(t, chunk.ID)

	w = s.authed(t, http.MethodPost, "/api/knowledge", "org_acme", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitPerTenant(t *testing.T) {
	s := newServer(t, WebhookSecrets{}, infrastructure.NewTenantRateLimiter(0.001, 1))

	assert.Equal(t, http.StatusOK, s.authed(t, http.MethodGet, "/api/settings", "org_acme", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, s.authed(t, http.MethodGet, "/api/settings", "org_acme", "").Code)
	// Buckets are per tenant.
	assert.Equal(t, http.StatusNotFound, s.authed(t, http.MethodGet, "/api/settings", "org_other", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t, WebhookSecrets{}, nil)
	w := s.do(httptest.NewRequest(http.MethodOptions, "/api/settings", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestClerkUserPrefersPrimaryEmail(t *testing.T) {
	var u clerkUser
	require.NoError(t, json.Unmarshal([]byte(`{"id":"user_1","first_name":"Budi","primary_email_address_id":"idn_2",
"email_addresses":[{"id":"idn_1","email_address":"old@example.com"},{"id":"idn_2","email_address":"budi@example.com"},{"id":"idn_3","email_address":"z@example.com"}]}`), &u))
	m := u.member()
	assert.Equal(t, "budi@example.com", m.Email)
	assert.Equal(t, "Budi", m.Name)
	assert.Equal(t, "user_1", m.ExternalID)
}
