package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"zapia_ai/internal/entities"
)

const telegramMaxMessage = 4096

// TelegramAlerter posts operator alerts to one Telegram chat.
type TelegramAlerter struct {
	Bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramAlerter{Bot: bot, chatID: chatID}, nil
}

// NewTelegramAlerterWithBot wraps an already configured bot, e.g. one built with
// tgbotapi.NewBotAPIWithClient against a custom endpoint.
func NewTelegramAlerterWithBot(bot *tgbotapi.BotAPI, chatID int64) *TelegramAlerter {
	return &TelegramAlerter{Bot: bot, chatID: chatID}
}

func (t *TelegramAlerter) Alert(_ context.Context, text string) error {
	if len(text) > telegramMaxMessage {
		text = text[:telegramMaxMessage-3] + "..."
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.Bot.Send(msg); err != nil {
		return fmt.Errorf("telegram alert: %w", err)
	}
	return nil
}

// LogAlerter writes alerts to the log when no alert channel is configured.
type LogAlerter struct {
	Log *slog.Logger
}

func (l LogAlerter) Alert(_ context.Context, text string) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error("ALERT", slog.String("text", text))
	return nil
}

// HTTPCRM creates tenant workspaces in an external CRM over its REST API.
// Requests carry an Idempotency-Key so retried creations do not duplicate.
type HTTPCRM struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPCRM(baseURL, apiKey string, httpClient *http.Client) *HTTPCRM {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPCRM{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

func (c *HTTPCRM) EnsureWorkspace(ctx context.Context, key string) error {
	body, err := json.Marshal(map[string]string{"key": key, "name": key})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workspaces", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "workspace-"+key)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return entities.Transient(fmt.Errorf("crm create workspace: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Service: "crm", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if apiErr.Temporary() {
			return apiErr
		}
		return entities.Fatal(apiErr)
	}
}

// LogCRM stands in for the CRM when none is configured.
type LogCRM struct {
	Log *slog.Logger
}

func (l LogCRM) EnsureWorkspace(_ context.Context, key string) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("crm not configured, skipping workspace", slog.String("key", key))
	return nil
}
