package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/ports"
	"github.com/atvirokodosprendimai/tokengate/internal/metrics"
	"github.com/google/uuid"
)

type TokenService struct {
	repo ports.TokenRepository
}

func NewTokenService(repo ports.TokenRepository) *TokenService {
	return &TokenService{repo: repo}
}

func (s *TokenService) Get(ctx context.Context, value string) (domain.Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Token{}, domain.ErrNotFound
	}
	return s.repo.Get(ctx, value)
}

func (s *TokenService) List(ctx context.Context, filter domain.TokenFilter) ([]domain.Token, error) {
	return s.repo.List(ctx, filter)
}

// Revoke marks the token unusable. Revoking an already revoked token returns it
// unchanged.
func (s *TokenService) Revoke(ctx context.Context, value string, meta domain.MutationMetadata) (domain.Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Token{}, domain.ErrNotFound
	}
	token, changed, err := s.repo.Revoke(ctx, value, meta.Normalize())
	if err != nil {
		return domain.Token{}, err
	}
	if changed {
		metrics.TokensRevoked.Inc()
	}
	return token, nil
}

// Bootstrap makes sure value exists as an admin token. An existing token is
// returned as stored; a revoked or non-admin one is reported, not repaired.
func (s *TokenService) Bootstrap(ctx context.Context, value string) (domain.Token, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Token{}, false, errors.New("bootstrap token is empty")
	}

	existing, err := s.repo.Get(ctx, value)
	switch {
	case err == nil:
		if existing.Revoked || !existing.Privilege.IsAdmin() {
			return existing, false, fmt.Errorf("bootstrap token %s exists but is not an active admin token", existing.ID)
		}
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Token{}, false, err
	}

	created, err := s.repo.Create(ctx, domain.Token{
		ID:        uuid.NewString(),
		Value:     value,
		Privilege: domain.PrivilegeAdmin,
		CreatedAt: time.Now().UTC(),
	}, domain.MutationMetadata{Actor: "bootstrap", Source: "config"})
	if err != nil {
		return domain.Token{}, false, fmt.Errorf("create bootstrap token: %w", err)
	}
	metrics.TokensMinted.WithLabelValues(string(domain.PrivilegeAdmin)).Inc()
	return created, true, nil
}
