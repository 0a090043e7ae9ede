package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/ports"
	"github.com/atvirokodosprendimai/tokengate/internal/metrics"
	"github.com/google/uuid"
)

const (
	TokenPrefix = "tg_"

	tokenEntropyBytes = 32
	maxMintAttempts   = 5
)

// Minter generates token values and writes them through the token store.
// It does not check the caller's privilege.
type Minter struct {
	repo    ports.TokenRepository
	entropy io.Reader
	now     func() time.Time
	logger  *slog.Logger
}

func NewMinter(repo ports.TokenRepository, logger *slog.Logger) *Minter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Minter{
		repo:    repo,
		entropy: rand.Reader,
		now:     time.Now,
		logger:  logger,
	}
}

// WithEntropy replaces the randomness source.
func (m *Minter) WithEntropy(r io.Reader) *Minter {
	m.entropy = r
	return m
}

func (m *Minter) Mint(ctx context.Context, privilege domain.Privilege, meta domain.MutationMetadata) (domain.Token, error) {
	if !privilege.Valid() {
		return domain.Token{}, fmt.Errorf("%w: %q", domain.ErrInvalidPrivilege, privilege)
	}
	meta = meta.Normalize()

	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		value, err := m.generate()
		if err != nil {
			m.logger.Error("token entropy read failed", "error", err)
			return domain.Token{}, fmt.Errorf("generate token: %w", err)
		}

		token := domain.Token{
			ID:        uuid.NewString(),
			Value:     value,
			Privilege: privilege,
			CreatedAt: m.now().UTC(),
		}
		created, err := m.repo.Create(ctx, token, meta)
		if err == nil {
			metrics.TokensMinted.WithLabelValues(string(privilege)).Inc()
			m.logger.Info("token minted", "token_id", created.ID, "privilege", created.Privilege, "actor", meta.Actor)
			return created, nil
		}
		if !errors.Is(err, domain.ErrTokenExists) {
			return domain.Token{}, err
		}
		metrics.MintCollisions.Inc()
		m.logger.Warn("token value collision, regenerating", "attempt", attempt)
	}

	metrics.MintExhausted.Inc()
	m.logger.Error("token mint exhausted collision retries; check entropy source and store integrity",
		"attempts", maxMintAttempts)
	return domain.Token{}, ErrMintExhausted
}

func (m *Minter) generate() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := io.ReadFull(m.entropy, buf); err != nil {
		return "", err
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
