package usecase

import (
	"context"
	"sync"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
)

// tokenRepoStub is an in-memory token store. The fn fields override the
// default behaviour when set.
type tokenRepoStub struct {
	mu     sync.Mutex
	tokens map[string]domain.Token
	order  []string

	createFn func(ctx context.Context, token domain.Token, meta domain.MutationMetadata) (domain.Token, error)
	getFn    func(ctx context.Context, value string) (domain.Token, error)

	getCalls int
}

func newTokenRepoStub(tokens ...domain.Token) *tokenRepoStub {
	s := &tokenRepoStub{tokens: make(map[string]domain.Token)}
	for _, t := range tokens {
		s.tokens[t.Value] = t
		s.order = append(s.order, t.Value)
	}
	return s
}

func (s *tokenRepoStub) Create(ctx context.Context, token domain.Token, meta domain.MutationMetadata) (domain.Token, error) {
	if s.createFn != nil {
		return s.createFn(ctx, token, meta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.Value]; ok {
		return domain.Token{}, domain.ErrTokenExists
	}
	s.tokens[token.Value] = token
	s.order = append(s.order, token.Value)
	return token, nil
}

func (s *tokenRepoStub) Get(ctx context.Context, value string) (domain.Token, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	if s.getFn != nil {
		return s.getFn(ctx, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[value]
	if !ok {
		return domain.Token{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *tokenRepoStub) List(_ context.Context, filter domain.TokenFilter) ([]domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Token, 0, len(s.order))
	for _, v := range s.order {
		t := s.tokens[v]
		if filter.ActiveOnly && t.Revoked {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *tokenRepoStub) Revoke(_ context.Context, value string, meta domain.MutationMetadata) (domain.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[value]
	if !ok {
		return domain.Token{}, false, domain.ErrNotFound
	}
	if t.Revoked {
		return t, false, nil
	}
	at := meta.At
	t.Revoked = true
	t.RevokedAt = &at
	s.tokens[value] = t
	return t, true, nil
}

func (s *tokenRepoStub) lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

type usageRepoStub struct {
	mu     sync.Mutex
	stored map[domain.UsageKey]domain.UsageRecord
	saves  int

	saveFn func(ctx context.Context, records []domain.UsageRecord) error
}

func newUsageRepoStub() *usageRepoStub {
	return &usageRepoStub{stored: make(map[domain.UsageKey]domain.UsageRecord)}
}

func (s *usageRepoStub) LoadAll(context.Context) ([]domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UsageRecord, 0, len(s.stored))
	for _, rec := range s.stored {
		out = append(out, rec)
	}
	return out, nil
}

func (s *usageRepoStub) SaveCounts(ctx context.Context, records []domain.UsageRecord) error {
	if s.saveFn != nil {
		if err := s.saveFn(ctx, records); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	for _, rec := range records {
		if prev, ok := s.stored[rec.Key()]; ok && prev.Count > rec.Count {
			continue
		}
		s.stored[rec.Key()] = rec
	}
	return nil
}

func (s *usageRepoStub) count(value, endpoint string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored[domain.UsageKey{TokenValue: value, Endpoint: endpoint}].Count
}

type usageRecorderStub struct {
	mu    sync.Mutex
	calls []domain.UsageKey
	err   error
}

func (s *usageRecorderStub) Record(_ context.Context, tokenValue, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, domain.UsageKey{TokenValue: tokenValue, Endpoint: endpoint})
	return s.err
}
