package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"gorm.io/gorm/clause"
)

type usageCounterModel struct {
	TokenValue  string    `gorm:"column:token_value;primaryKey"`
	Endpoint    string    `gorm:"column:endpoint;primaryKey"`
	Count       int64     `gorm:"column:count;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
}

func (usageCounterModel) TableName() string {
	return "usage_counters"
}

type UsageRepository struct {
	db *gormsqlite.DB
}

func NewUsageRepository(db *gormsqlite.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) LoadAll(ctx context.Context) ([]domain.UsageRecord, error) {
	var rows []usageCounterModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("token_value ASC, endpoint ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load usage counters: %w", err)
	}

	result := make([]domain.UsageRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.UsageRecord{
			TokenValue:  row.TokenValue,
			Endpoint:    row.Endpoint,
			Count:       row.Count,
			FirstSeenAt: row.FirstSeenAt.UTC(),
			LastSeenAt:  row.LastSeenAt.UTC(),
		})
	}
	return result, nil
}

// SaveCounts upserts absolute counts. A stored count is only ever raised, so
// replaying an older batch is harmless.
func (r *UsageRepository) SaveCounts(ctx context.Context, records []domain.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]usageCounterModel, 0, len(records))
	for _, rec := range records {
		rows = append(rows, usageCounterModel{
			TokenValue:  rec.TokenValue,
			Endpoint:    rec.Endpoint,
			Count:       rec.Count,
			FirstSeenAt: rec.FirstSeenAt.UTC(),
			LastSeenAt:  rec.LastSeenAt.UTC(),
		})
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "token_value"}, {Name: "endpoint"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "count"}, Value: gormExpr("MAX(count, excluded.count)")},
				{Column: clause.Column{Name: "last_seen_at"}, Value: gormExpr("MAX(last_seen_at, excluded.last_seen_at)")},
			},
		}).CreateInBatches(&rows, 200).Error
	})
	if err != nil {
		return fmt.Errorf("save usage counters: %w", err)
	}
	return nil
}

func gormExpr(sql string) clause.Expr {
	return clause.Expr{SQL: sql}
}
