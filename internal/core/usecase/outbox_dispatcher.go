package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/ports"
	"github.com/atvirokodosprendimai/tokengate/internal/metrics"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 50
	defaultDispatchAttempts = 5
	maxDispatchBackoff      = 5 * time.Minute
)

// DefaultTokenTopics routes each token lifecycle event to the topic it is
// published under.
func DefaultTokenTopics() map[string]string {
	return map[string]string{
		domain.EventTokenMinted:  "events.token.minted",
		domain.EventTokenRevoked: "events.token.revoked",
	}
}

type DispatcherOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Topics replaces DefaultTokenTopics. Event types without a topic are
	// dead-lettered.
	Topics map[string]string
	Logger *slog.Logger
}

// tokenEventPayload is the part of a lifecycle payload checked before
// delivery.
type tokenEventPayload struct {
	TokenID   string           `json:"token_id"`
	Privilege domain.Privilege `json:"privilege"`
	Revoked   bool             `json:"revoked"`
}

// OutboxDispatcher delivers token lifecycle events written to the outbox in
// the same transaction as the token mutation. Events that can never be
// delivered are dead-lettered at once; publisher failures back off and retry.
type OutboxDispatcher struct {
	repo        ports.OutboxRepository
	publisher   ports.EventPublisher
	interval    time.Duration
	batchSize   int
	maxAttempts int
	topics      map[string]string
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, opts DispatcherOptions) *OutboxDispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultDispatchInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultDispatchBatch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultDispatchAttempts
	}
	if opts.Topics == nil {
		opts.Topics = DefaultTokenTopics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OutboxDispatcher{
		repo:        repo,
		publisher:   publisher,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		topics:      opts.Topics,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("token event dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchPending delivers one batch of due events and returns how many were
// published. A cancelled context leaves the in-flight event pending.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending events: %w", err)
	}

	delivered := 0
	for _, ev := range pending {
		envelope, topic, err := d.route(ev)
		if err != nil {
			if err := d.deadLetter(ctx, ev, envelope, ev.Attempts+1, err); err != nil {
				return delivered, err
			}
			continue
		}

		if err := d.publisher.Publish(ctx, topic, envelope); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if err := d.fail(ctx, ev, envelope, err); err != nil {
				return delivered, err
			}
			continue
		}

		if err := d.repo.MarkDispatched(ctx, ev.ID); err != nil {
			return delivered, fmt.Errorf("mark event %s dispatched: %w", ev.EventID, err)
		}
		metrics.OutboxDispatch.WithLabelValues(envelope.EventType, "dispatched").Inc()
		d.logger.Debug("token event delivered", "event_id", ev.EventID, "event_type", envelope.EventType, "token_id", envelope.AggregateID, "topic", topic)
		delivered++
	}
	return delivered, nil
}

// route decodes an outbox row and picks its topic. Any error it returns is
// permanent: the row will never become deliverable.
func (d *OutboxDispatcher) route(ev domain.OutboxEvent) (domain.EventEnvelope, string, error) {
	var envelope domain.EventEnvelope
	if err := json.Unmarshal(ev.PayloadJSON, &envelope); err != nil {
		return envelope, "", fmt.Errorf("decode envelope: %w", err)
	}
	topic, ok := d.topics[envelope.EventType]
	if !ok {
		return envelope, "", fmt.Errorf("no topic for event type %q", envelope.EventType)
	}
	if envelope.AggregateType != domain.AggregateToken {
		return envelope, "", fmt.Errorf("aggregate type %q is not a token", envelope.AggregateType)
	}
	// Minted values all carry TokenPrefix; a secret must never leave the store.
	if bytes.Contains(ev.PayloadJSON, []byte(`"`+TokenPrefix)) {
		return envelope, "", errors.New("payload carries a token value")
	}

	var payload tokenEventPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return envelope, "", fmt.Errorf("decode token payload: %w", err)
	}
	switch {
	case payload.TokenID == "" || payload.TokenID != envelope.AggregateID:
		return envelope, "", fmt.Errorf("payload token_id %q does not match aggregate %q", payload.TokenID, envelope.AggregateID)
	case !payload.Privilege.Valid():
		return envelope, "", fmt.Errorf("%w: %q", domain.ErrInvalidPrivilege, payload.Privilege)
	case payload.Revoked != (envelope.EventType == domain.EventTokenRevoked):
		return envelope, "", fmt.Errorf("revoked=%t does not fit %s", payload.Revoked, envelope.EventType)
	}
	return envelope, topic, nil
}

func (d *OutboxDispatcher) fail(ctx context.Context, ev domain.OutboxEvent, envelope domain.EventEnvelope, cause error) error {
	attempts := ev.Attempts + 1
	if errors.Is(cause, domain.ErrDeliveryRejected) || attempts >= d.maxAttempts {
		return d.deadLetter(ctx, ev, envelope, attempts, cause)
	}

	next := d.now().UTC().Add(backoffDuration(attempts))
	if err := d.repo.MarkFailed(ctx, ev.ID, attempts, next.Format(time.RFC3339Nano), cause.Error()); err != nil {
		return fmt.Errorf("mark event %s failed: %w", ev.EventID, err)
	}
	metrics.OutboxDispatch.WithLabelValues(d.eventTypeLabel(envelope), "retry").Inc()
	d.logger.Warn("token event delivery failed",
		"event_id", ev.EventID,
		"token_id", envelope.AggregateID,
		"attempt", attempts,
		"next_attempt_at", next,
		"error", cause,
	)
	return nil
}

func (d *OutboxDispatcher) deadLetter(ctx context.Context, ev domain.OutboxEvent, envelope domain.EventEnvelope, attempts int, cause error) error {
	if err := d.repo.MarkDead(ctx, ev.ID, attempts, cause.Error()); err != nil {
		return fmt.Errorf("dead-letter event %s: %w", ev.EventID, err)
	}
	metrics.OutboxDispatch.WithLabelValues(d.eventTypeLabel(envelope), "dead").Inc()
	d.logger.Error("token event dead-lettered",
		"event_id", ev.EventID,
		"event_type", envelope.EventType,
		"token_id", envelope.AggregateID,
		"attempts", attempts,
		"reason", cause.Error(),
	)
	return nil
}

// eventTypeLabel keeps the metric label set bounded to routed event types.
func (d *OutboxDispatcher) eventTypeLabel(envelope domain.EventEnvelope) string {
	if _, ok := d.topics[envelope.EventType]; ok {
		return envelope.EventType
	}
	return "unknown"
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > maxDispatchBackoff {
		return maxDispatchBackoff
	}
	return d
}
