package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/usecases"
)

// firstQuery returns the first non-empty query parameter among names.
func firstQuery(c *gin.Context, names ...string) string {
	for _, n := range names {
		if v := c.Query(n); v != "" {
			return v
		}
	}
	return ""
}

// VerifyWhatsAppWebhook answers the Cloud API subscription handshake.
func (h *Handler) VerifyWhatsAppWebhook(c *gin.Context) {
	mode := firstQuery(c, "hub.mode", "mode")
	token := firstQuery(c, "hub.verify_token", "verify_token")
	challenge := firstQuery(c, "hub.challenge", "challenge")

	if mode == "" || token == "" {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}
	if mode != "subscribe" || h.secrets.WhatsAppVerifyToken == "" || token != h.secrets.WhatsAppVerifyToken {
		h.log.Warn("webhook verification rejected", slog.String("mode", mode))
		c.String(http.StatusForbidden, "Forbidden")
		return
	}
	h.log.Info("webhook verified")
	c.String(http.StatusOK, challenge)
}

// HandleWhatsAppWebhook turns a Cloud API callback into message events.
// Every delivery must carry a valid signature. Anything that retrying cannot
// fix is acknowledged with 200 so the provider stops redelivering it.
func (h *Handler) HandleWhatsAppWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}
	if err := VerifyHubSignature(h.secrets.WhatsAppAppSecret, c.GetHeader("X-Hub-Signature-256"), body); err != nil {
		if errors.Is(err, ErrNoAppSecret) {
			h.log.Error("webhook rejected, no app secret configured")
		} else {
			h.log.Warn("webhook signature rejected", slog.Any("error", err))
		}
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}

	var hook entities.WAWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}
	if !usecases.IsWhatsAppDelivery(hook) {
		c.String(http.StatusNotFound, "Not a WhatsApp event")
		return
	}

	tenantID := c.Query("tenantId")
	if !entities.ValidTenantID(tenantID) {
		h.log.Error("webhook without usable tenant, skipping", slog.String("tenant_id", tenantID))
		c.String(http.StatusOK, "OK - Missing Tenant")
		return
	}

	res, err := h.ingest.IngestWhatsApp(c.Request.Context(), tenantID, hook)
	switch {
	case errors.Is(err, usecases.ErrNotWhatsAppEvent):
		c.String(http.StatusNotFound, "Not a WhatsApp event")
		return
	case err != nil:
		h.log.Error("publish inbound messages", slog.String("tenant_id", tenantID), slog.Any("error", err))
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if res.Published == 0 {
		h.log.Debug("status callback ignored", slog.String("tenant_id", tenantID), slog.Int("statuses", res.Statuses))
	}
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

// Identity provider user events mirrored into tenants.
const (
	clerkUserCreated = "user.created"
	clerkUserUpdated = "user.updated"
)

type clerkEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type clerkOrganization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CreatedBy string `json:"created_by"`
}

type clerkUser struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	PrimaryEmailID string `json:"primary_email_address_id"`
	EmailAddresses []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	PublicMetadata struct {
		TenantID string `json:"tenantId"`
	} `json:"public_metadata"`
}

func (u clerkUser) member() entities.Member {
	m := entities.Member{
		ExternalID: u.ID,
		Name:       strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
	for i, e := range u.EmailAddresses {
		if i == 0 || e.ID == u.PrimaryEmailID {
			m.Email = e.EmailAddress
		}
		if e.ID == u.PrimaryEmailID {
			break
		}
	}
	return m
}

// HandleClerkWebhook starts provisioning when an organization is created and
// mirrors users into the tenant named by their public metadata.
func (h *Handler) HandleClerkWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}
	if h.clerk == nil {
		h.log.Error("identity webhook received but no usable signing secret is configured")
		c.String(http.StatusBadRequest, "Error occurred")
		return
	}
	svixID := c.GetHeader("svix-id")
	if err := h.clerk.Verify(body, c.Request.Header); err != nil {
		h.log.Warn("identity webhook rejected", slog.String("svix_id", svixID), slog.Any("error", err))
		c.String(http.StatusBadRequest, "Error occurred")
		return
	}

	var evt clerkEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}
	h.log.Info("identity webhook", slog.String("svix_id", svixID), slog.String("type", evt.Type))
	switch evt.Type {
	case entities.EventOrganizationCreated:
		h.provisionOrganization(c, evt.Data)
	case clerkUserCreated, clerkUserUpdated:
		h.syncMember(c, evt.Data)
	default:
		c.Status(http.StatusOK)
	}
}

func (h *Handler) provisionOrganization(c *gin.Context, raw json.RawMessage) {
	var data clerkOrganization
	if err := json.Unmarshal(raw, &data); err != nil || data.ID == "" {
		c.String(http.StatusBadRequest, "No organization id")
		return
	}
	org := entities.OrganizationCreated{OrgID: data.ID, Name: data.Name, Slug: data.Slug, Creator: data.CreatedBy}
	if _, err := h.ingest.IngestOrganization(c.Request.Context(), org); err != nil {
		if errors.Is(err, entities.ErrInvalidTenantID) {
			h.log.Error("organization id cannot be used as tenant id", slog.String("org_id", org.OrgID))
			c.String(http.StatusBadRequest, "Invalid organization id")
			return
		}
		h.log.Error("publish organization", slog.String("org_id", org.OrgID), slog.Any("error", err))
		c.String(http.StatusInternalServerError, "Error processing webhook")
		return
	}
	c.Status(http.StatusOK)
}

// syncMember acknowledges users without a tenant; they belong to no
// organization yet and a later user.updated carries the tenant.
func (h *Handler) syncMember(c *gin.Context, raw json.RawMessage) {
	var user clerkUser
	if err := json.Unmarshal(raw, &user); err != nil || user.ID == "" {
		c.String(http.StatusBadRequest, "No user id")
		return
	}
	tenantID := user.PublicMetadata.TenantID
	if tenantID == "" {
		h.log.Info("user without tenant, skipping", slog.String("user_id", user.ID))
		c.Status(http.StatusOK)
		return
	}

	_, err := h.members.Sync(c.Request.Context(), tenantID, user.member())
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, entities.ErrInvalidTenantID), errors.Is(err, usecases.ErrInvalidInput):
		h.log.Error("user cannot be synced", slog.String("user_id", user.ID), slog.Any("error", err))
		c.String(http.StatusBadRequest, "Invalid tenant id")
	case errors.Is(err, entities.ErrTenantNotProvisioned):
		// Non-2xx makes the provider redeliver once provisioning caught up.
		h.log.Warn("user for unprovisioned tenant", slog.String("tenant_id", tenantID), slog.String("user_id", user.ID))
		c.String(http.StatusNotFound, "Organization is not provisioned yet")
	default:
		h.log.Error("sync user", slog.String("tenant_id", tenantID), slog.String("user_id", user.ID), slog.Any("error", err))
		c.String(http.StatusInternalServerError, "Error processing webhook")
	}
}
