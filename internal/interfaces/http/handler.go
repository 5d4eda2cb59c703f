package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	svix "github.com/svix/svix-webhooks/go"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/usecases"
)

// MaxBodyBytes caps every request body.
const MaxBodyBytes = 2 << 20

// WebhookSecrets authenticate provider callbacks.
type WebhookSecrets struct {
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
	ClerkSecret         string
}

type Handler struct {
	ingest    *usecases.IngestService
	settings  *usecases.SettingsService
	knowledge *usecases.KnowledgeService
	members   *usecases.MemberService
	secrets   WebhookSecrets
	clerk     *svix.Webhook
	log       *slog.Logger
}

func NewHandler(ingest *usecases.IngestService, settings *usecases.SettingsService, knowledge *usecases.KnowledgeService, members *usecases.MemberService, secrets WebhookSecrets, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		ingest:    ingest,
		settings:  settings,
		knowledge: knowledge,
		members:   members,
		secrets:   secrets,
		log:       log.With(slog.String("component", "http")),
	}
	if secrets.WhatsAppAppSecret == "" {
		h.log.Warn("no WhatsApp app secret configured, message callbacks will be rejected")
	}
	if secrets.ClerkSecret != "" {
		wh, err := svix.NewWebhook(secrets.ClerkSecret)
		if err != nil {
			h.log.Error("identity webhook secret unusable, identity callbacks will be rejected", slog.Any("error", err))
		} else {
			h.clerk = wh
		}
	}
	return h
}

func SetupRoutes(r *gin.Engine, h *Handler, middleware *Middleware) {
	r.Use(RequestLogger(h.log))
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(MaxBodyBytes))
	r.Use(middleware.CORSMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks authenticate with their own signatures.
	hooks := r.Group("/api/webhooks")
	{
		hooks.GET("/whatsapp", h.VerifyWhatsAppWebhook)
		hooks.POST("/whatsapp", h.HandleWhatsAppWebhook)
		hooks.POST("/clerk", h.HandleClerkWebhook)
	}

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.TenantRequired())
	api.Use(middleware.RateLimitPerTenant())
	{
		api.GET("/settings", h.GetSettings)
		api.PUT("/settings/ai", h.UpdateAISettings)
		api.PUT("/settings/whatsapp", h.UpdateWhatsAppSettings)
		api.POST("/knowledge", h.AddKnowledge)
	}
}

// writeError maps domain errors onto API responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecases.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, entities.ErrInvalidTenantID), errors.Is(err, entities.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, entities.ErrTenantNotProvisioned):
		c.JSON(http.StatusNotFound, gin.H{"error": "Organization is not provisioned yet"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
