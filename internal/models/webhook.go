package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Normalized webhook event types accepted by the ingestor
const (
	EventDealUpdated = "deal.updated"
	EventDealAdded   = "deal.added"
)

// WebhookEvent is the normalized form of a CRM push notification.
// RawFields holds the CRM's field snapshot (STAGE_ID, CATEGORY_ID...)
type WebhookEvent struct {
	EventID    string            `json:"event_id"` // Unique ID for tracing (UUID)
	EventType  string            `json:"event_type"`
	Kind       EntityKind        `json:"entity_kind"`
	RemoteID   int64             `json:"remote_id"`
	RawFields  map[string]string `json:"raw_fields,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

func NewWebhookEvent(eventType string, kind EntityKind, remoteID int64, fields map[string]string) *WebhookEvent {
	return &WebhookEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Kind:       kind,
		RemoteID:   remoteID,
		RawFields:  fields,
		ReceivedAt: time.Now().UTC(),
	}
}

func (e *WebhookEvent) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize webhook event: %w", err)
	}
	return b, nil
}

func DecodeWebhookEvent(b []byte) (*WebhookEvent, error) {
	var e WebhookEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("malformed webhook event: %w", err)
	}
	if e.RemoteID <= 0 {
		return nil, fmt.Errorf("webhook event without remote id")
	}
	return &e, nil
}
