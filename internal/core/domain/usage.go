package domain

import (
	"errors"
	"time"
)

var ErrUnknownToken = errors.New("usage for unknown token")

type UsageKey struct {
	TokenValue string
	Endpoint   string
}

// UsageRecord is one (token, endpoint) counter cell.
type UsageRecord struct {
	TokenValue  string
	Endpoint    string
	Count       int64
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

func (r UsageRecord) Key() UsageKey {
	return UsageKey{TokenValue: r.TokenValue, Endpoint: r.Endpoint}
}

type AnalyticsSnapshot struct {
	TotalCalls      int64            `json:"total_calls"`
	UniqueTokens    int              `json:"unique_tokens"`
	CallsByEndpoint map[string]int64 `json:"calls_by_endpoint"`
	ActiveTokens    int              `json:"active_tokens"`
	RevokedTokens   int              `json:"revoked_tokens"`
}

type TokenUsage struct {
	TokenValue      string
	TotalCalls      int64
	CallsByEndpoint map[string]int64
}
