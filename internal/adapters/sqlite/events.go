package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"gorm.io/gorm"
)

type auditEventModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string    `gorm:"column:event_id;not null"`
	SchemaVersion int       `gorm:"column:schema_version;not null"`
	AggregateType string    `gorm:"column:aggregate_type;not null"`
	AggregateID   string    `gorm:"column:aggregate_id;not null"`
	Action        string    `gorm:"column:action;not null"`
	Actor         string    `gorm:"column:actor;not null"`
	Source        string    `gorm:"column:source;not null"`
	RequestID     string    `gorm:"column:request_id;not null"`
	PayloadJSON   string    `gorm:"column:payload_json"`
	OccurredAt    time.Time `gorm:"column:occurred_at;not null"`
}

func (auditEventModel) TableName() string {
	return "audit_events"
}

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

func insertAuditAndOutbox(tx *gorm.DB, envelope domain.EventEnvelope) error {
	audit := auditEventModel{
		EventID:       envelope.EventID,
		SchemaVersion: envelope.SchemaVersion,
		AggregateType: envelope.AggregateType,
		AggregateID:   envelope.AggregateID,
		Action:        envelope.EventType,
		Actor:         envelope.Actor,
		Source:        envelope.Source,
		RequestID:     envelope.RequestID,
		PayloadJSON:   string(envelope.Payload),
		OccurredAt:    envelope.OccurredAt,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	outbox := outboxEventModel{
		EventID:       envelope.EventID,
		Topic:         "events." + envelope.EventType,
		PayloadJSON:   string(payload),
		Status:        "pending",
		NextAttemptAt: envelope.OccurredAt,
		CreatedAt:     envelope.OccurredAt,
	}
	if err := tx.Create(&outbox).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
