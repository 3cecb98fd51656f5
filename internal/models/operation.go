package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies which CRM entity a local row is mirrored into
type EntityKind string

const (
	KindDeal    EntityKind = "deal"    // local order
	KindContact EntityKind = "contact" // local user
)

func (k EntityKind) Valid() bool {
	return k == KindDeal || k == KindContact
}

// Operation is the outbound action requested for an entity
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate
}

// ErrorClass is the classification of the last failed attempt of a message.
// It selects the retry budget applied by the worker.
type ErrorClass uint8

const (
	ClassNone ErrorClass = iota
	ClassNotFound
	ClassInvalid
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotFound:
		return "not_found"
	case ClassInvalid:
		return "invalid"
	case ClassTransient:
		return "transient"
	}
	return fmt.Sprintf("error_class(%d)", uint8(c))
}

func (c ErrorClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ErrorClass) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "none":
		*c = ClassNone
	case "not_found":
		*c = ClassNotFound
	case "invalid":
		*c = ClassInvalid
	case "transient":
		*c = ClassTransient
	default:
		return fmt.Errorf("unknown error class %q", b)
	}
	return nil
}

// RetryState is the typed retry bookkeeping carried by every OperationMessage
type RetryState struct {
	Count         int        `json:"count"`
	Class         ErrorClass `json:"class"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at,omitzero"`
}

// OperationMessage is a unit of outbound work travelling through the queue
type OperationMessage struct {
	CorrelationID string         `json:"correlation_id"`
	Kind          EntityKind     `json:"entity_kind"`
	Operation     Operation      `json:"operation"`
	LocalID       int64          `json:"local_id"`
	RemoteID      *int64         `json:"remote_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Retry         RetryState     `json:"retry"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// NewOperationMessage builds a fresh message with a new correlation id
func NewOperationMessage(kind EntityKind, op Operation, localID int64, remoteID *int64, payload map[string]any) *OperationMessage {
	return &OperationMessage{
		CorrelationID: uuid.NewString(),
		Kind:          kind,
		Operation:     op,
		LocalID:       localID,
		RemoteID:      remoteID,
		Payload:       payload,
		EnqueuedAt:    time.Now().UTC(),
	}
}

// Encode serializes the message for the queue
func (m *OperationMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize operation message: %w", err)
	}
	return b, nil
}

// DecodeOperation parses and validates a queued operation message
func DecodeOperation(b []byte) (*OperationMessage, error) {
	var m OperationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("malformed operation message: %w", err)
	}
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", m.Kind)
	}
	if !m.Operation.Valid() {
		return nil, fmt.Errorf("unknown operation %q", m.Operation)
	}
	if m.LocalID <= 0 {
		return nil, fmt.Errorf("invalid local id %d", m.LocalID)
	}
	return &m, nil
}
