package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"zapia_ai/internal/entities"
)

// Tenant administration: assistant settings, WhatsApp credentials and the
// knowledge base. Every route runs behind AuthRequired and TenantRequired.

type aiSettingsRequest struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	IsActive     *bool  `json:"is_active"`
}

type whatsAppSettingsRequest struct {
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"access_token"`
	VerifyToken   string `json:"verify_token"`
}

type knowledgeRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func tenantOf(c *gin.Context) string {
	identity, _ := IdentityFrom(c)
	return identity.TenantID
}

func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.settings.Get(c.Request.Context(), tenantOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) UpdateAISettings(c *gin.Context) {
	var req aiSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	req.Model = strings.TrimSpace(req.Model)
	req.SystemPrompt = SanitizeString(req.SystemPrompt)
	if !ValidModel(req.Model) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid model name"})
		return
	}
	if !ValidateLength(req.SystemPrompt, 0, MaxPromptLength) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "System prompt too long"})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	cfg, err := h.settings.UpdateAI(c.Request.Context(), tenantOf(c), entities.AIConfig{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		IsActive:     active,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) UpdateWhatsAppSettings(c *gin.Context) {
	var req whatsAppSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	req.PhoneNumberID = strings.TrimSpace(req.PhoneNumberID)
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	if !ValidPhoneNumberID(req.PhoneNumberID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone_number_id"})
		return
	}
	if !ValidateLength(req.AccessToken, 1, MaxCredentialLen) || !ValidateLength(req.VerifyToken, 0, MaxCredentialLen) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credentials"})
		return
	}

	cfg, err := h.settings.UpdateWhatsApp(c.Request.Context(), tenantOf(c), entities.WhatsAppConfig{
		PhoneNumberID: req.PhoneNumberID,
		AccessToken:   req.AccessToken,
		VerifyToken:   req.VerifyToken,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) AddKnowledge(c *gin.Context) {
	var req knowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	content := SanitizeString(req.Content)
	if !ValidateLength(strings.TrimSpace(content), 1, MaxKnowledgeLength) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Content must be between 1 and 100000 bytes"})
		return
	}
	if len(req.Metadata) > MaxMetadataKeys {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Too many metadata keys"})
		return
	}

	chunk, err := h.knowledge.Add(c.Request.Context(), tenantOf(c), content, req.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chunk)
}
