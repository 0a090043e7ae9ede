package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type tokenModel struct {
	Seq       int64      `gorm:"column:seq;primaryKey;autoIncrement"`
	ID        string     `gorm:"column:id;not null"`
	Value     string     `gorm:"column:value;not null"`
	Privilege string     `gorm:"column:privilege;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	Revoked   bool       `gorm:"column:revoked;not null"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
}

func (tokenModel) TableName() string {
	return "tokens"
}

func (m tokenModel) toDomain() domain.Token {
	return domain.Token{
		ID:        m.ID,
		Value:     m.Value,
		Privilege: domain.Privilege(m.Privilege),
		CreatedAt: m.CreatedAt.UTC(),
		Revoked:   m.Revoked,
		RevokedAt: m.RevokedAt,
	}
}

// TokenRepository persists tokens. Rows are never deleted; each mutation
// writes its audit and outbox rows in the same transaction.
type TokenRepository struct {
	db *gormsqlite.DB
}

func NewTokenRepository(db *gormsqlite.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func (r *TokenRepository) Create(ctx context.Context, token domain.Token, meta domain.MutationMetadata) (domain.Token, error) {
	meta = meta.Normalize()
	model := tokenModel{
		ID:        token.ID,
		Value:     token.Value,
		Privilege: string(token.Privilege),
		CreatedAt: token.CreatedAt.UTC(),
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if err := tx.Create(&model).Error; err != nil {
			if isUniqueViolation(err, "tokens.value") {
				return domain.ErrTokenExists
			}
			return fmt.Errorf("insert token: %w", err)
		}

		envelope := tokenEnvelope(domain.EventTokenMinted, model, meta)
		return insertAuditAndOutbox(tx.DB, envelope)
	})
	if err != nil {
		if errors.Is(err, domain.ErrTokenExists) {
			return domain.Token{}, err
		}
		return domain.Token{}, fmt.Errorf("%w: %w", domain.ErrStore, err)
	}
	return model.toDomain(), nil
}

func (r *TokenRepository) Get(ctx context.Context, value string) (domain.Token, error) {
	var model tokenModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("value = ?", value).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Token{}, domain.ErrNotFound
		}
		return domain.Token{}, fmt.Errorf("%w: find token: %w", domain.ErrStore, err)
	}
	return model.toDomain(), nil
}

func (r *TokenRepository) List(ctx context.Context, filter domain.TokenFilter) ([]domain.Token, error) {
	var models []tokenModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&tokenModel{})
		if filter.ActiveOnly {
			query = query.Where("revoked = ?", false)
		}
		return query.Order("seq ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list tokens: %w", domain.ErrStore, err)
	}

	result := make([]domain.Token, 0, len(models))
	for _, m := range models {
		result = append(result, m.toDomain())
	}
	return result, nil
}

// Revoke flips the revoked flag. A token that is already revoked is returned
// as stored, changed is false and no event is written.
func (r *TokenRepository) Revoke(ctx context.Context, value string, meta domain.MutationMetadata) (domain.Token, bool, error) {
	meta = meta.Normalize()
	var (
		model   tokenModel
		changed bool
	)

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if err := tx.Where("value = ?", value).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("load token: %w", err)
		}
		if model.Revoked {
			return nil
		}

		at := meta.At.UTC()
		res := tx.Model(&tokenModel{}).
			Where("seq = ? AND revoked = ?", model.Seq, false).
			Updates(map[string]any{"revoked": true, "revoked_at": at})
		if res.Error != nil {
			return fmt.Errorf("revoke token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		model.Revoked = true
		model.RevokedAt = &at
		changed = true

		return insertAuditAndOutbox(tx.DB, tokenEnvelope(domain.EventTokenRevoked, model, meta))
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Token{}, false, err
		}
		return domain.Token{}, false, fmt.Errorf("%w: %w", domain.ErrStore, err)
	}
	return model.toDomain(), changed, nil
}

func tokenEnvelope(eventType string, model tokenModel, meta domain.MutationMetadata) domain.EventEnvelope {
	payload := map[string]any{
		"token_id":   model.ID,
		"privilege":  model.Privilege,
		"created_at": model.CreatedAt.UTC(),
		"revoked":    model.Revoked,
	}
	if model.RevokedAt != nil {
		payload["revoked_at"] = model.RevokedAt.UTC()
	}
	return domain.EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: domain.CurrentEventSchemaVersion,
		AggregateType: domain.AggregateToken,
		AggregateID:   model.ID,
		OccurredAt:    meta.At.UTC(),
		Actor:         meta.Actor,
		Source:        meta.Source,
		RequestID:     meta.RequestID,
		Payload:       mustJSON(payload),
	}
}

func isUniqueViolation(err error, column string) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
