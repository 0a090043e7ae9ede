package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
)

type ReplayEvent struct {
	Envelope domain.EventEnvelope `json:"envelope"`
	AuditID  int64                `json:"audit_id"`
}

// ReplayTokenEvents walks the audit trail newest first in batches of
// filter.Limit, normalizing each event before handing it to applyFn.
func ReplayTokenEvents(ctx context.Context, audit *AuditService, codec *EventCodec, filter domain.AuditFilter, applyFn func(ReplayEvent) error) error {
	for {
		events, err := audit.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("list audit events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, e := range events {
			envelope := domain.EventEnvelope{
				EventID:       e.EventID,
				EventType:     e.Action,
				SchemaVersion: e.SchemaVersion,
				AggregateType: e.AggregateType,
				AggregateID:   e.AggregateID,
				OccurredAt:    e.OccurredAt,
				Actor:         e.Actor,
				Source:        e.Source,
				RequestID:     e.RequestID,
				Payload:       e.Payload,
			}
			if len(envelope.Payload) == 0 {
				envelope.Payload = json.RawMessage(`{}`)
			}

			normalized, err := codec.Normalize(envelope)
			if err != nil {
				return fmt.Errorf("normalize event %s: %w", e.EventID, err)
			}
			if err := applyFn(ReplayEvent{Envelope: normalized, AuditID: e.ID}); err != nil {
				return fmt.Errorf("apply replay event %s: %w", e.EventID, err)
			}
			filter.AfterID = e.ID
		}
	}
}

// TokenLifecycle is a token's state as rebuilt from its audit events.
type TokenLifecycle struct {
	TokenID   string
	Privilege domain.Privilege
	Minted    bool
	Revoked   bool
}

type replayTokenPayload struct {
	TokenID   string `json:"token_id"`
	Privilege string `json:"privilege"`
}

// ProjectTokenLifecycles folds the whole audit trail into per-token state.
// The fold is order independent: minting and revocation only set flags.
func ProjectTokenLifecycles(ctx context.Context, audit *AuditService, codec *EventCodec, batchSize int) (map[string]TokenLifecycle, error) {
	states := make(map[string]TokenLifecycle)
	err := ReplayTokenEvents(ctx, audit, codec, domain.AuditFilter{Limit: batchSize}, func(ev ReplayEvent) error {
		if ev.Envelope.AggregateType != domain.AggregateToken {
			return nil
		}
		var p replayTokenPayload
		if err := json.Unmarshal(ev.Envelope.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		st := states[ev.Envelope.AggregateID]
		st.TokenID = ev.Envelope.AggregateID
		switch ev.Envelope.EventType {
		case domain.EventTokenMinted:
			st.Minted = true
			st.Privilege = domain.Privilege(p.Privilege)
		case domain.EventTokenRevoked:
			st.Revoked = true
			if st.Privilege == "" {
				st.Privilege = domain.Privilege(p.Privilege)
			}
		}
		states[st.TokenID] = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// LifecycleDrift describes a disagreement between the token table and the
// audit trail.
type LifecycleDrift struct {
	TokenID string
	Reason  string
}

// CompareLifecycles reports every token whose stored state does not match
// its projected state, sorted by token id.
func CompareLifecycles(tokens []domain.Token, projected map[string]TokenLifecycle) []LifecycleDrift {
	var drift []LifecycleDrift
	seen := make(map[string]struct{}, len(tokens))

	for _, t := range tokens {
		seen[t.ID] = struct{}{}
		st, ok := projected[t.ID]
		switch {
		case !ok || !st.Minted:
			drift = append(drift, LifecycleDrift{TokenID: t.ID, Reason: "no token.minted event"})
		case st.Privilege != t.Privilege:
			drift = append(drift, LifecycleDrift{TokenID: t.ID, Reason: fmt.Sprintf("privilege %s in store, %s in audit", t.Privilege, st.Privilege)})
		case st.Revoked != t.Revoked:
			drift = append(drift, LifecycleDrift{TokenID: t.ID, Reason: fmt.Sprintf("revoked=%t in store, %t in audit", t.Revoked, st.Revoked)})
		}
	}
	for id := range projected {
		if _, ok := seen[id]; !ok {
			drift = append(drift, LifecycleDrift{TokenID: id, Reason: "audit events for a token missing from the store"})
		}
	}

	sort.Slice(drift, func(i, j int) bool { return drift[i].TokenID < drift[j].TokenID })
	return drift
}
