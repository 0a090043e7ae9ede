package ports

import (
	"context"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
)

type UsageRepository interface {
	LoadAll(ctx context.Context) ([]domain.UsageRecord, error)
	// SaveCounts persists absolute counts. Stored counts never decrease.
	SaveCounts(ctx context.Context, records []domain.UsageRecord) error
}
