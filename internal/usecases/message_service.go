package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
	"zapia_ai/internal/repository"
	"zapia_ai/internal/workflow"
)

const (
	WorkflowMessageReceived = "whatsapp-message-received"

	StepPersistInbound   = "persist-inbound"
	StepGenerateResponse = "generate-response"
	StepDeliverResponse  = "deliver-response"
	StepPersistOutbound  = "persist-outbound"

	HistoryWindow      = 20
	KnowledgeThreshold = 0.5
	KnowledgeLimit     = 3
	knowledgeHeader    = "RELEVANT KNOWLEDGE BASE:"
)

// TenantScope runs fn inside an isolated transaction of one tenant.
type TenantScope interface {
	WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error) error
}

// SenderProvider returns the outbound messenger of a tenant.
type SenderProvider interface {
	Sender(tenantID string, cfg *entities.WhatsAppConfig) (interfaces.Messenger, error)
}

// InboundRecord is the output of persist-inbound.
type InboundRecord struct {
	ContactID string `json:"contact_id"`
	MessageID string `json:"message_id"`
	Phone     string `json:"phone"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// GeneratedReply is the output of generate-response.
type GeneratedReply struct {
	Reply         string `json:"reply"`
	Model         string `json:"model"`
	ContextChunks int    `json:"context_chunks"`
	Degraded      bool   `json:"degraded,omitempty"`
}

// Delivery is the output of deliver-response.
type Delivery struct {
	To                string `json:"to"`
	ProviderMessageID string `json:"provider_message_id"`
}

// OutboundRecord is the output of persist-outbound.
type OutboundRecord struct {
	MessageID string `json:"message_id"`
}

// MessageService answers inbound WhatsApp messages with retrieved knowledge and a
// generative model. Each stage is a workflow step so a redelivered event never
// repeats a completed side effect.
type MessageService struct {
	tenants   TenantScope
	embedder  interfaces.Embedder
	completer interfaces.Completer
	senders   SenderProvider
	alerter   interfaces.Alerter
	log       *slog.Logger
}

func NewMessageService(tenants TenantScope, embedder interfaces.Embedder, completer interfaces.Completer, senders SenderProvider, alerter interfaces.Alerter, log *slog.Logger) *MessageService {
	if log == nil {
		log = slog.Default()
	}
	return &MessageService{
		tenants:   tenants,
		embedder:  embedder,
		completer: completer,
		senders:   senders,
		alerter:   alerter,
		log:       log.With(slog.String("workflow", WorkflowMessageReceived)),
	}
}

// Workflow returns the pipeline definition to register with the engine.
func (s *MessageService) Workflow() workflow.Workflow {
	return workflow.Workflow{
		Name:    WorkflowMessageReceived,
		Trigger: entities.EventMessageReceived,
		Steps: []workflow.Step{
			{Name: StepPersistInbound, Run: s.persistInbound},
			{Name: StepGenerateResponse, Run: s.generateResponse},
			{Name: StepDeliverResponse, Run: s.deliverResponse},
			{Name: StepPersistOutbound, Run: s.persistOutbound},
		},
		OnFailure: s.onFailure,
	}
}

func (s *MessageService) persistInbound(ctx context.Context, run *workflow.Run) (any, error) {
	payload, err := workflow.Payload[entities.MessageReceived](run)
	if err != nil {
		return nil, err
	}
	if len(payload.Messages) == 0 {
		return nil, workflow.Halt(errors.New("event carries no message"))
	}
	msg := payload.Messages[0]
	content := msg.Body()
	if msg.Type != "text" || content == "" {
		content = fmt.Sprintf("[%s]", msg.Type)
	}
	name := msg.From
	for _, c := range payload.Contacts {
		if c.WaID == msg.From && c.Profile.Name != "" {
			name = c.Profile.Name
			break
		}
	}

	var rec InboundRecord
	err = s.tenants.WithTenant(ctx, run.Event.TenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		contact, _, err := tx.FindOrCreateContact(ctx, msg.From, name)
		if err != nil {
			return fmt.Errorf("find or create contact: %w", err)
		}
		stored, created, err := tx.InsertMessage(ctx, entities.Message{
			ContactID: contact.ID,
			Content:   content,
			Type:      msg.Type,
			Status:    entities.StatusReceived,
			Direction: entities.DirectionInbound,
			Metadata:  map[string]any{entities.MetadataProviderID: msg.ID},
		})
		if err != nil {
			return fmt.Errorf("insert inbound message: %w", err)
		}
		if created {
			if err := tx.IncrementUsage(ctx, repository.UsageReceived); err != nil {
				return fmt.Errorf("count inbound message: %w", err)
			}
		}
		rec = InboundRecord{
			ContactID: contact.ID,
			MessageID: stored.ID,
			Phone:     msg.From,
			Content:   content,
			Type:      msg.Type,
			Duplicate: !created,
		}
		return nil
	})
	if err != nil {
		return nil, tenantError(err)
	}
	return rec, nil
}

func (s *MessageService) generateResponse(ctx context.Context, run *workflow.Run) (any, error) {
	in, err := workflow.Output[InboundRecord](run, StepPersistInbound)
	if err != nil {
		return nil, err
	}
	tenantID := run.Event.TenantID
	log := s.log.With(slog.String("tenant", tenantID), slog.String("dedup_key", run.Event.DedupKey))

	var chunks []entities.ScoredChunk
	degraded := false
	if in.Type == "text" {
		chunks, err = s.retrieve(ctx, tenantID, in.Content)
		if err != nil {
			degraded = true
			log.Warn("answering without knowledge context", slog.Any("error", fmt.Errorf("%w: %v", entities.ErrDegradedRag, err)))
		}
	}

	// Read history and config only now, so a reply written by a concurrent run
	// of the same contact is part of the prompt.
	var history []entities.ChatMessage
	cfg := entities.DefaultAIConfig(tenantID)
	err = s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		recent, err := tx.RecentMessages(ctx, in.ContactID, HistoryWindow)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = make([]entities.ChatMessage, 0, len(recent))
		for _, m := range recent {
			history = append(history, entities.ChatMessage{Role: entities.RoleFor(m.Direction), Content: m.Content})
		}
		stored, err := tx.GetAIConfig(ctx)
		if err != nil {
			return fmt.Errorf("load ai config: %w", err)
		}
		if stored != nil {
			cfg = stored.WithDefaults()
		}
		return nil
	})
	if err != nil {
		return nil, tenantError(err)
	}
	if !cfg.IsActive {
		return nil, workflow.Halt(entities.ErrAIDisabled)
	}

	prompt := BuildSystemPrompt(cfg.SystemPrompt, chunks)
	reply, err := s.completer.Complete(ctx, cfg.Model, prompt, history)
	if err != nil {
		return nil, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, workflow.Halt(entities.ErrNoResponseGenerated)
	}

	log.Info("reply generated",
		slog.String("model", cfg.Model),
		slog.Int("history", len(history)),
		slog.Int("context_chunks", len(chunks)),
	)
	return GeneratedReply{Reply: reply, Model: cfg.Model, ContextChunks: len(chunks), Degraded: degraded}, nil
}

func (s *MessageService) retrieve(ctx context.Context, tenantID, content string) ([]entities.ScoredChunk, error) {
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed message: %w", err)
	}
	var chunks []entities.ScoredChunk
	err = s.tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		var err error
		chunks, err = tx.SearchKnowledge(ctx, embedding, KnowledgeThreshold, KnowledgeLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return chunks, nil
}

// BuildSystemPrompt appends retrieved chunks to the tenant's prompt as a bullet list.
func BuildSystemPrompt(base string, chunks []entities.ScoredChunk) string {
	if len(chunks) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")
	b.WriteString(knowledgeHeader)
	for _, c := range chunks {
		b.WriteString("\n- ")
		b.WriteString(c.Content)
	}
	return b.String()
}

func (s *MessageService) deliverResponse(ctx context.Context, run *workflow.Run) (any, error) {
	in, err := workflow.Output[InboundRecord](run, StepPersistInbound)
	if err != nil {
		return nil, err
	}
	gen, err := workflow.Output[GeneratedReply](run, StepGenerateResponse)
	if err != nil {
		return nil, err
	}

	var waCfg *entities.WhatsAppConfig
	err = s.tenants.WithTenant(ctx, run.Event.TenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		var err error
		waCfg, err = tx.GetWhatsAppConfig(ctx)
		return err
	})
	if err != nil {
		return nil, tenantError(err)
	}
	sender, err := s.senders.Sender(run.Event.TenantID, waCfg)
	if err != nil {
		return nil, err
	}

	id, err := sender.Send(ctx, in.Phone, gen.Reply)
	if err != nil {
		if entities.IsTransient(err) {
			return nil, fmt.Errorf("send reply: %w", err)
		}
		return nil, entities.Fatal(fmt.Errorf("send reply: %w", err))
	}
	return Delivery{To: in.Phone, ProviderMessageID: id}, nil
}

func (s *MessageService) persistOutbound(ctx context.Context, run *workflow.Run) (any, error) {
	in, err := workflow.Output[InboundRecord](run, StepPersistInbound)
	if err != nil {
		return nil, err
	}
	gen, err := workflow.Output[GeneratedReply](run, StepGenerateResponse)
	if err != nil {
		return nil, err
	}
	sent, err := workflow.Output[Delivery](run, StepDeliverResponse)
	if err != nil {
		return nil, err
	}

	var rec OutboundRecord
	err = s.tenants.WithTenant(ctx, run.Event.TenantID, func(ctx context.Context, tx repository.TenantTx, ns entities.Namespace) error {
		stored, created, err := tx.InsertMessage(ctx, entities.Message{
			ContactID: in.ContactID,
			Content:   gen.Reply,
			Type:      "text",
			Status:    entities.StatusDelivered,
			Direction: entities.DirectionOutbound,
			Metadata: map[string]any{
				entities.MetadataProviderID: sent.ProviderMessageID,
				"in_reply_to":               run.Event.DedupKey,
				"model":                     gen.Model,
			},
		})
		if err != nil {
			return fmt.Errorf("insert outbound message: %w", err)
		}
		if created {
			if err := tx.IncrementUsage(ctx, repository.UsageSent); err != nil {
				return fmt.Errorf("count outbound message: %w", err)
			}
		}
		rec.MessageID = stored.ID
		return nil
	})
	if err != nil {
		return nil, tenantError(err)
	}
	return rec, nil
}

// onFailure alerts an operator when the reply reached the user but could not be
// recorded; earlier failures have no user-visible effect and stay in the ledger.
func (s *MessageService) onFailure(ctx context.Context, run *workflow.Run, step string, cause error) {
	if step != StepPersistOutbound || s.alerter == nil {
		return
	}
	sent, _ := workflow.Output[Delivery](run, StepDeliverResponse)
	gen, _ := workflow.Output[GeneratedReply](run, StepGenerateResponse)
	text := fmt.Sprintf("Undelivered record for tenant %s\nevent: %s\nto: %s\nprovider id: %s\nreply: %s\nerror: %v",
		run.Event.TenantID, run.Event.DedupKey, sent.To, sent.ProviderMessageID, gen.Reply, cause)
	if err := s.alerter.Alert(ctx, text); err != nil {
		s.log.Error("failed to alert operator", slog.String("dedup_key", run.Event.DedupKey), slog.Any("error", err))
	}
}

// tenantError marks resolver rejections as fatal; retrying cannot fix them.
func tenantError(err error) error {
	if errors.Is(err, entities.ErrInvalidTenantID) || errors.Is(err, entities.ErrTenantNotProvisioned) {
		return entities.Fatal(err)
	}
	return err
}
