package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
)

type tokenLister interface {
	List(ctx context.Context, filter domain.TokenFilter) ([]domain.Token, error)
	Get(ctx context.Context, value string) (domain.Token, error)
}

type usageReader interface {
	Snapshot() domain.AnalyticsSnapshot
	TokenUsage(tokenValue string) domain.TokenUsage
}

// Analytics composes the token listing and the usage ledger into the figures
// shown on the admin panel. It never writes.
type Analytics struct {
	tokens tokenLister
	usage  usageReader
}

func NewAnalytics(tokens tokenLister, usage usageReader) *Analytics {
	return &Analytics{tokens: tokens, usage: usage}
}

// Summarize returns total calls, calls per endpoint and the number of distinct
// tokens that have been used at least once, revoked tokens included.
func (a *Analytics) Summarize(ctx context.Context) (domain.AnalyticsSnapshot, error) {
	tokens, err := a.tokens.List(ctx, domain.TokenFilter{})
	if err != nil {
		return domain.AnalyticsSnapshot{}, fmt.Errorf("list tokens: %w", err)
	}

	snap := a.usage.Snapshot()
	for _, t := range tokens {
		if t.Revoked {
			snap.RevokedTokens++
		} else {
			snap.ActiveTokens++
		}
	}
	return snap, nil
}

func (a *Analytics) TokenUsage(ctx context.Context, value string) (domain.TokenUsage, error) {
	token, err := a.tokens.Get(ctx, value)
	if err != nil {
		return domain.TokenUsage{}, err
	}
	return a.usage.TokenUsage(token.Value), nil
}
