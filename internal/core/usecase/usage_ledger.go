package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/ports"
	"github.com/atvirokodosprendimai/tokengate/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidUsage = errors.New("usage requires token and endpoint")

type usageCell struct {
	count     atomic.Int64
	persisted atomic.Int64
	lastSeen  atomic.Int64
	firstSeen time.Time
}

func newUsageCell(now time.Time) *usageCell {
	c := &usageCell{firstSeen: now}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// UsageLedger counts accepted requests per (token, endpoint). Counters live in
// memory and are flushed to the repository as absolute values, so a repeated
// flush can never double count.
type UsageLedger struct {
	tokens   ports.TokenLookup
	repo     ports.UsageRepository
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cells   sync.Map // domain.UsageKey -> *usageCell
	flushMu sync.Mutex
	// Token rows are never deleted, so concurrent existence checks for
	// the same value can share one read.
	known singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUsageLedger builds a ledger. A nil repo keeps counters in memory only.
func NewUsageLedger(tokens ports.TokenLookup, repo ports.UsageRepository, interval time.Duration, logger *slog.Logger) *UsageLedger {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLedger{tokens: tokens, repo: repo, interval: interval, logger: logger, now: time.Now}
}

// Load hydrates counters from the repository. Call it before serving traffic.
func (l *UsageLedger) Load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}
	records, err := l.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load usage counters: %w", err)
	}
	for _, rec := range records {
		fresh := newUsageCell(rec.FirstSeenAt)
		fresh.lastSeen.Store(rec.LastSeenAt.UnixNano())
		actual, _ := l.cells.LoadOrStore(rec.Key(), fresh)
		cell := actual.(*usageCell)
		cell.count.Add(rec.Count)
		cell.persisted.Store(rec.Count)
	}
	l.logger.Info("usage counters loaded", "cells", len(records))
	return nil
}

// Record credits one call to (tokenValue, endpoint). The first increment for a
// key verifies that the token exists.
func (l *UsageLedger) Record(ctx context.Context, tokenValue, endpoint string) error {
	if tokenValue == "" || endpoint == "" {
		return ErrInvalidUsage
	}
	key := domain.UsageKey{TokenValue: tokenValue, Endpoint: endpoint}

	actual, ok := l.cells.Load(key)
	if !ok {
		_, err, _ := l.known.Do(tokenValue, func() (any, error) {
			return l.tokens.Get(ctx, tokenValue)
		})
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: endpoint %s", domain.ErrUnknownToken, endpoint)
			}
			return fmt.Errorf("check token: %w", err)
		}
		actual, _ = l.cells.LoadOrStore(key, newUsageCell(l.now().UTC()))
	}

	cell := actual.(*usageCell)
	cell.count.Add(1)
	cell.lastSeen.Store(l.now().UTC().UnixNano())
	return nil
}

func (l *UsageLedger) Snapshot() domain.AnalyticsSnapshot {
	snap := domain.AnalyticsSnapshot{CallsByEndpoint: make(map[string]int64)}
	tokens := make(map[string]struct{})

	l.cells.Range(func(k, v any) bool {
		key := k.(domain.UsageKey)
		n := v.(*usageCell).count.Load()
		if n == 0 {
			return true
		}
		snap.TotalCalls += n
		snap.CallsByEndpoint[key.Endpoint] += n
		tokens[key.TokenValue] = struct{}{}
		return true
	})

	snap.UniqueTokens = len(tokens)
	return snap
}

func (l *UsageLedger) TokenUsage(tokenValue string) domain.TokenUsage {
	usage := domain.TokenUsage{TokenValue: tokenValue, CallsByEndpoint: make(map[string]int64)}
	l.cells.Range(func(k, v any) bool {
		key := k.(domain.UsageKey)
		if key.TokenValue != tokenValue {
			return true
		}
		n := v.(*usageCell).count.Load()
		if n == 0 {
			return true
		}
		usage.CallsByEndpoint[key.Endpoint] += n
		usage.TotalCalls += n
		return true
	})
	return usage
}

// Flush writes every counter that moved since the last successful flush.
func (l *UsageLedger) Flush(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	var (
		batch []domain.UsageRecord
		cells []*usageCell
	)
	l.cells.Range(func(k, v any) bool {
		key := k.(domain.UsageKey)
		cell := v.(*usageCell)
		n := cell.count.Load()
		if n <= cell.persisted.Load() {
			return true
		}
		batch = append(batch, domain.UsageRecord{
			TokenValue:  key.TokenValue,
			Endpoint:    key.Endpoint,
			Count:       n,
			FirstSeenAt: cell.firstSeen,
			LastSeenAt:  time.Unix(0, cell.lastSeen.Load()).UTC(),
		})
		cells = append(cells, cell)
		return true
	})
	if len(batch) == 0 {
		return nil
	}

	if err := l.repo.SaveCounts(ctx, batch); err != nil {
		metrics.UsageFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("save usage counters: %w", err)
	}
	for i, cell := range cells {
		cell.persisted.Store(batch[i].Count)
	}
	metrics.UsageFlushes.WithLabelValues("ok").Inc()
	return nil
}

func (l *UsageLedger) Start(parent context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil || l.repo == nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.wg.Add(1)
	go l.loop(ctx)
}

// Close stops the flush loop and writes any remaining counts.
func (l *UsageLedger) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return l.Flush(ctx)
}

func (l *UsageLedger) loop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := l.Flush(ctx); err != nil {
			l.logger.Warn("usage flush failed", "error", err)
		}
	}
}
