package ports

import (
	"context"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
)

type TokenRepository interface {
	Create(ctx context.Context, token domain.Token, meta domain.MutationMetadata) (domain.Token, error)
	Get(ctx context.Context, value string) (domain.Token, error)
	List(ctx context.Context, filter domain.TokenFilter) ([]domain.Token, error)
	// Revoke reports changed=false when the token was already revoked.
	Revoke(ctx context.Context, value string, meta domain.MutationMetadata) (token domain.Token, changed bool, err error)
}

// TokenLookup is the read side of the token store.
type TokenLookup interface {
	Get(ctx context.Context, value string) (domain.Token, error)
}
