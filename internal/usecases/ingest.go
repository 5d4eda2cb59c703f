package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
)

const WhatsAppBusinessObject = "whatsapp_business_account"

var ErrNotWhatsAppEvent = errors.New("not a whatsapp event")

// IngestResult summarizes one webhook delivery.
type IngestResult struct {
	Published int
	Statuses  int
}

// IngestService turns provider callbacks into canonical events on the bus.
type IngestService struct {
	bus interfaces.EventBus
	log *slog.Logger
}

func NewIngestService(bus interfaces.EventBus, log *slog.Logger) *IngestService {
	if log == nil {
		log = slog.Default()
	}
	return &IngestService{bus: bus, log: log.With(slog.String("component", "ingest"))}
}

// IsWhatsAppDelivery reports whether hook is a Cloud API callback carrying
// messages or statuses. It needs no tenant, so foreign posts can be turned
// away before the tenant is looked at.
func IsWhatsAppDelivery(hook entities.WAWebhook) bool {
	if hook.Object != WhatsAppBusinessObject {
		return false
	}
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if v := change.Value; v != nil && (len(v.Messages) > 0 || len(v.Statuses) > 0) {
				return true
			}
		}
	}
	return false
}

// WhatsAppEvents extracts one event per inbound message of hook. Messages
// without an id or sender cannot be deduplicated and are skipped.
func WhatsAppEvents(tenantID string, hook entities.WAWebhook) (events []entities.Event, statuses int, err error) {
	if !IsWhatsAppDelivery(hook) {
		return nil, 0, ErrNotWhatsAppEvent
	}
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			if value == nil {
				continue
			}
			statuses += len(value.Statuses)
			phoneNumberID := ""
			if value.Metadata != nil {
				phoneNumberID = value.Metadata.PhoneNumberID
			}
			for _, msg := range value.Messages {
				if msg.ID == "" || msg.From == "" {
					continue
				}
				payload, err := json.Marshal(entities.MessageReceived{
					Messages:      []entities.WAMessage{msg},
					Contacts:      value.Contacts,
					WamID:         msg.ID,
					PhoneNumberID: phoneNumberID,
				})
				if err != nil {
					return nil, 0, err
				}
				cid := msg.ID
				events = append(events, entities.Event{
					Name:     entities.EventMessageReceived,
					TenantID: tenantID,
					DedupKey: msg.ID,
					Payload:  payload,
					Meta:     entities.EventMeta{CorrelationID: &cid},
				})
			}
		}
	}
	if len(events) == 0 && statuses == 0 {
		return nil, 0, ErrNotWhatsAppEvent
	}
	return events, statuses, nil
}

// IngestWhatsApp publishes every inbound message of hook for tenantID.
func (s *IngestService) IngestWhatsApp(ctx context.Context, tenantID string, hook entities.WAWebhook) (IngestResult, error) {
	events, statuses, err := WhatsAppEvents(tenantID, hook)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Statuses: statuses}
	for _, ev := range events {
		if err := s.bus.Publish(ctx, ev); err != nil {
			return res, fmt.Errorf("publish %s: %w", ev.DedupKey, err)
		}
		res.Published++
		s.log.Info("inbound message queued", slog.String("tenant", tenantID), slog.String("wam_id", ev.DedupKey))
	}
	return res, nil
}

// OrganizationEvent builds the provisioning event of an organization. The
// organization id is the dedup key, so a replayed webhook converges.
func OrganizationEvent(org entities.OrganizationCreated) (entities.Event, error) {
	tenantID := TenantIDForOrg(org.OrgID)
	if !entities.ValidTenantID(tenantID) {
		return entities.Event{}, fmt.Errorf("%w: organization %q", entities.ErrInvalidTenantID, org.OrgID)
	}
	payload, err := json.Marshal(org)
	if err != nil {
		return entities.Event{}, err
	}
	return entities.Event{
		Name:     entities.EventOrganizationCreated,
		TenantID: tenantID,
		DedupKey: org.OrgID,
		Payload:  payload,
	}, nil
}

// IngestOrganization publishes the provisioning event of a new organization.
func (s *IngestService) IngestOrganization(ctx context.Context, org entities.OrganizationCreated) (entities.Event, error) {
	ev, err := OrganizationEvent(org)
	if err != nil {
		return entities.Event{}, err
	}
	tenantID := ev.TenantID
	if err := s.bus.Publish(ctx, ev); err != nil {
		return entities.Event{}, fmt.Errorf("publish organization %s: %w", org.OrgID, err)
	}
	s.log.Info("organization queued for provisioning", slog.String("tenant", tenantID))
	return ev, nil
}
