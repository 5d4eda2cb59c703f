package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"zapia_ai/internal/entities"
)

const DefaultWhatsAppAPIBase = "https://graph.facebook.com/v21.0"

// APIError is a non-2xx answer from an upstream HTTP API.
type APIError struct {
	Service    string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api: status %d, code %d: %s", e.Service, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api: status %d: %s", e.Service, e.StatusCode, e.Message)
}

// Temporary reports rate limiting and server-side failures as retryable.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// WhatsAppCloudClient sends text messages through the WhatsApp Cloud API for one
// business phone number.
type WhatsAppCloudClient struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	http          *http.Client
}

func NewWhatsAppCloudClient(baseURL, accessToken, phoneNumberID string, httpClient *http.Client) *WhatsAppCloudClient {
	if baseURL == "" {
		baseURL = DefaultWhatsAppAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WhatsAppCloudClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		http:          httpClient,
	}
}

type waSendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             entities.WAText `json:"text"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type waErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers text to the WhatsApp user `to` and returns the provider message id.
func (w *WhatsAppCloudClient) Send(ctx context.Context, to, text string) (string, error) {
	body, err := json.Marshal(waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             entities.WAText{Body: text},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return "", entities.Transient(fmt.Errorf("whatsapp send: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", entities.Transient(fmt.Errorf("whatsapp read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Service: "whatsapp", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var parsed waErrorResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return "", apiErr
	}

	var out waSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("whatsapp decode response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errors.New("whatsapp response carried no message id")
	}
	return out.Messages[0].ID, nil
}
