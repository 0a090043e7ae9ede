package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrDeliveryRejected marks a publish failure that retrying cannot fix.
var ErrDeliveryRejected = errors.New("event delivery rejected")

const CurrentEventSchemaVersion = 1

const (
	EventTokenMinted  = "token.minted"
	EventTokenRevoked = "token.revoked"

	AggregateToken = "token"
)

type MutationMetadata struct {
	Actor     string
	Source    string
	RequestID string
	At        time.Time
}

func (m MutationMetadata) Normalize() MutationMetadata {
	if m.Actor == "" {
		m.Actor = "system"
	}
	if m.Source == "" {
		m.Source = "api"
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	return m
}

type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         string          `json:"actor"`
	Source        string          `json:"source"`
	RequestID     string          `json:"request_id"`
	Payload       json.RawMessage `json:"payload"`
}

type AuditTrailEvent struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	SchemaVersion int             `json:"schema_version"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	Source        string          `json:"source"`
	RequestID     string          `json:"request_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

type AuditFilter struct {
	AggregateID string
	Action      string
	AfterID     int64
	Limit       int
}
