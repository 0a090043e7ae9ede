package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/ports"
	"github.com/atvirokodosprendimai/tokengate/internal/metrics"
)

const (
	defaultLookupAttempts = 3
	lookupRetryDelay      = 25 * time.Millisecond
)

// UsageRecorder credits an accepted request to the usage ledger.
type UsageRecorder interface {
	Record(ctx context.Context, tokenValue, endpoint string) error
}

// Principal is the identity the gate derives for a single request.
type Principal struct {
	TokenID    string
	TokenValue string
	Privilege  domain.Privilege
}

func (p Principal) IsAdmin() bool {
	return p.Privilege.IsAdmin()
}

// Gate validates presented tokens, classifies their privilege and meters
// accepted requests.
type Gate struct {
	tokens   ports.TokenLookup
	usage    UsageRecorder
	logger   *slog.Logger
	attempts int
}

func NewGate(tokens ports.TokenLookup, usage UsageRecorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{tokens: tokens, usage: usage, logger: logger, attempts: defaultLookupAttempts}
}

// Authorize runs one request through the gate. On success exactly one usage
// increment has been attempted for (token, endpoint); a failed increment is
// logged and does not fail the request.
func (g *Gate) Authorize(ctx context.Context, rawToken, endpoint string, requireAdmin bool) (Principal, error) {
	value := strings.TrimSpace(rawToken)
	if value == "" {
		metrics.GateDecisions.WithLabelValues("missing_token").Inc()
		return Principal{}, ErrMissingToken
	}

	token, err := g.lookup(ctx, value)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			metrics.GateDecisions.WithLabelValues("invalid_token").Inc()
			return Principal{}, ErrInvalidToken
		case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			metrics.GateDecisions.WithLabelValues("store_unavailable").Inc()
			return Principal{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		default:
			metrics.GateDecisions.WithLabelValues("store_error").Inc()
			return Principal{}, fmt.Errorf("validate token: %w", err)
		}
	}

	if token.Revoked {
		metrics.GateDecisions.WithLabelValues("revoked").Inc()
		return Principal{}, ErrRevoked
	}

	principal := Principal{TokenID: token.ID, TokenValue: token.Value, Privilege: token.Privilege}
	if requireAdmin && !principal.IsAdmin() {
		metrics.GateDecisions.WithLabelValues("insufficient_privilege").Inc()
		return Principal{}, ErrInsufficientPrivilege
	}

	if g.usage != nil {
		if err := g.usage.Record(ctx, token.Value, endpoint); err != nil {
			metrics.UsageRecordFailures.Inc()
			g.logger.Warn("usage record failed", "token_id", token.ID, "endpoint", endpoint, "error", err)
		}
	}

	metrics.GateDecisions.WithLabelValues("accepted").Inc()
	return principal, nil
}

// lookup reads the token, retrying transient store errors. Not-found and
// context errors are final. Every request does its own read: a shared
// in-flight read could predate a revocation committed before this request.
func (g *Gate) lookup(ctx context.Context, value string) (domain.Token, error) {
	start := time.Now()
	defer func() { metrics.GateLookupDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		token, err := g.tokens.Get(ctx, value)
		if err == nil {
			return token, nil
		}
		if errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
			return domain.Token{}, err
		}
		lastErr = err

		if attempt == g.attempts {
			break
		}
		g.logger.Debug("token lookup retry", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return domain.Token{}, ctx.Err()
		case <-time.After(lookupRetryDelay * time.Duration(attempt)):
		}
	}
	return domain.Token{}, lastErr
}
