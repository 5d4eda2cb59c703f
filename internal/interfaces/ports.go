package interfaces

import (
	"context"

	"zapia_ai/internal/entities"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer generates an assistant reply from a system prompt and history.
type Completer interface {
	Complete(ctx context.Context, model, systemPrompt string, history []entities.ChatMessage) (string, error)
}

// Messenger delivers text to an end-user address and returns the provider's message id.
type Messenger interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// EventHandler processes one delivery of an event.
type EventHandler func(ctx context.Context, ev entities.Event) error

// EventBus offers at-least-once publish/subscribe.
type EventBus interface {
	Publish(ctx context.Context, ev entities.Event) error
	Subscribe(eventName string, handler EventHandler)
	Start(ctx context.Context) error
	Close() error
}

// Alerter notifies an operator about failures that need manual attention.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// ObjectStore provisions storage buckets.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, name string) error
}

// CRM provisions the relationship-management resource of a tenant.
type CRM interface {
	EnsureWorkspace(ctx context.Context, key string) error
}
