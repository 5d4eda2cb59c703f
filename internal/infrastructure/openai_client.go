package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"zapia_ai/internal/entities"
)

const DefaultEmbeddingModel = "text-embedding-3-small"

// OpenAIClient implements both the embedder and the completer ports.
type OpenAIClient struct {
	client         *openai.Client
	embeddingModel string
}

// NewOpenAIClient builds a client; baseURL may point at any compatible gateway.
func NewOpenAIClient(apiKey, baseURL, embeddingModel string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), embeddingModel: embeddingModel}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, classifyOpenAIError("embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response carried no vectors")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != entities.EmbeddingDimensions {
		return nil, entities.Fatal(fmt.Errorf("embedding has %d dimensions, want %d", len(vec), entities.EmbeddingDimensions))
	}
	return vec, nil
}

// Complete returns the first choice's content, or "" when the model produced none.
func (c *OpenAIClient) Complete(ctx context.Context, model, systemPrompt string, history []entities.ChatMessage) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return "", classifyOpenAIError("completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError marks rate limits and 5xx answers as transient and other
// API rejections as fatal. Network errors keep their own classification.
func classifyOpenAIError(op string, err error) error {
	wrapped := fmt.Errorf("openai %s: %w", op, err)
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return wrapped
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return entities.Transient(wrapped)
	}
	return entities.Fatal(wrapped)
}
