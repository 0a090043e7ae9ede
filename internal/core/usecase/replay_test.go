package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayAuditRepo struct {
	events []domain.AuditTrailEvent
	calls  int
}

func (r *replayAuditRepo) List(_ context.Context, filter domain.AuditFilter) ([]domain.AuditTrailEvent, error) {
	r.calls++
	items := make([]domain.AuditTrailEvent, 0, filter.Limit)
	for _, e := range r.events {
		if filter.AfterID > 0 && !(e.ID < filter.AfterID) {
			continue
		}
		items = append(items, e)
		if len(items) >= filter.Limit {
			break
		}
	}
	return items, nil
}

func auditEvent(id int64, action, tokenID, payload string, version int) domain.AuditTrailEvent {
	return domain.AuditTrailEvent{
		ID:            id,
		EventID:       "e" + tokenID + action,
		SchemaVersion: version,
		AggregateType: domain.AggregateToken,
		AggregateID:   tokenID,
		Action:        action,
		Payload:       json.RawMessage(payload),
		OccurredAt:    time.Now(),
	}
}

func TestReplayTokenEventsPages(t *testing.T) {
	repo := &replayAuditRepo{events: []domain.AuditTrailEvent{
		auditEvent(3, domain.EventTokenRevoked, "a", `{"privilege":"user"}`, 1),
		auditEvent(2, domain.EventTokenMinted, "b", `{"privilege":"admin"}`, 1),
		auditEvent(1, domain.EventTokenMinted, "a", `{"privilege":"user"}`, 1),
	}}

	var ids []int64
	err := ReplayTokenEvents(context.Background(), NewAuditService(repo), NewEventCodec(), domain.AuditFilter{Limit: 2}, func(ev ReplayEvent) error {
		ids = append(ids, ev.AuditID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, ids)
	assert.Equal(t, 3, repo.calls)
}

func TestProjectAndCompareLifecycles(t *testing.T) {
	repo := &replayAuditRepo{events: []domain.AuditTrailEvent{
		auditEvent(5, domain.EventTokenMinted, "ghost", `{"privilege":"user"}`, 1),
		auditEvent(4, domain.EventTokenRevoked, "a", `{"privilege":"user"}`, 1),
		auditEvent(3, domain.EventTokenMinted, "c", `{"privilege":"user"}`, 1),
		auditEvent(2, domain.EventTokenMinted, "b", `{"privilege":"admin"}`, 1),
		auditEvent(1, domain.EventTokenMinted, "a", `{"privilege":"user"}`, 1),
	}}

	projected, err := ProjectTokenLifecycles(context.Background(), NewAuditService(repo), NewEventCodec(), 100)
	require.NoError(t, err)
	assert.Equal(t, TokenLifecycle{TokenID: "a", Privilege: domain.PrivilegeUser, Minted: true, Revoked: true}, projected["a"])
	assert.Equal(t, domain.PrivilegeAdmin, projected["b"].Privilege)

	tokens := []domain.Token{
		{ID: "a", Privilege: domain.PrivilegeUser, Revoked: true},
		{ID: "b", Privilege: domain.PrivilegeAdmin},
		{ID: "c", Privilege: domain.PrivilegeUser, Revoked: true},
		{ID: "d", Privilege: domain.PrivilegeUser},
	}
	drift := CompareLifecycles(tokens, projected)
	require.Len(t, drift, 3)
	assert.Equal(t, "c", drift[0].TokenID)
	assert.Equal(t, "d", drift[1].TokenID)
	assert.Equal(t, "ghost", drift[2].TokenID)
}
