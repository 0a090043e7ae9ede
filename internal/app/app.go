package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atvirokodosprendimai/tokengate/internal/adapters/events"
	"github.com/atvirokodosprendimai/tokengate/internal/adapters/httpapi"
	sqliteadapter "github.com/atvirokodosprendimai/tokengate/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/tokengate/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tokengate/internal/adapters/upstream"
	"github.com/atvirokodosprendimai/tokengate/internal/core/ports"
	"github.com/atvirokodosprendimai/tokengate/internal/core/usecase"
	"github.com/atvirokodosprendimai/tokengate/migrations"
)

type resourceCloser struct {
	closers []io.Closer
}

// Close closes in order and returns the first error.
func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Services is the wired core shared by the HTTP server and the CLI.
type Services struct {
	DB        *gormsqlite.DB
	Tokens    *usecase.TokenService
	Minter    *usecase.Minter
	Ledger    *usecase.UsageLedger
	Gate      *usecase.Gate
	Analytics *usecase.Analytics
	Audit     *usecase.AuditService
	Outbox    ports.OutboxRepository
}

// Close flushes the ledger before the database goes away.
func (s *Services) Close() error {
	return resourceCloser{closers: []io.Closer{s.Ledger, s.DB}}.Close()
}

// OpenServices opens the database, applies migrations and hydrates the usage
// ledger. The ledger flush loop is not started.
func OpenServices(ctx context.Context, cfg Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gormsqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, err
	}

	tokenRepo := sqliteadapter.NewTokenRepository(db)
	usageRepo := sqliteadapter.NewUsageRepository(db)

	ledger := usecase.NewUsageLedger(tokenRepo, usageRepo, cfg.Usage.FlushInterval, logger.With("component", "usage_ledger"))
	if err := ledger.Load(migrateCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Services{
		DB:        db,
		Tokens:    usecase.NewTokenService(tokenRepo),
		Minter:    usecase.NewMinter(tokenRepo, logger.With("component", "minter")),
		Ledger:    ledger,
		Gate:      usecase.NewGate(tokenRepo, ledger, logger.With("component", "gate")),
		Analytics: usecase.NewAnalytics(tokenRepo, ledger),
		Audit:     usecase.NewAuditService(sqliteadapter.NewAuditTrailRepository(db)),
		Outbox:    sqliteadapter.NewOutboxRepository(db),
	}, nil
}

func NewServer(ctx context.Context, cfg Config, logger *slog.Logger) (*http.Server, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	svc, err := OpenServices(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Auth.BootstrapAdminToken != "" {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 5*time.Second)
		tok, created, err := svc.Tokens.Bootstrap(bootstrapCtx, cfg.Auth.BootstrapAdminToken)
		bootstrapCancel()
		if err != nil {
			_ = svc.Close()
			return nil, nil, fmt.Errorf("bootstrap admin token: %w", err)
		}
		if created {
			logger.Info("bootstrap admin token created", "token_id", tok.ID)
		}
	}

	var proxy http.Handler
	if cfg.Upstream.URL != "" {
		proxy, err = upstream.NewProxy(cfg.Upstream.URL, logger.With("component", "upstream"))
		if err != nil {
			_ = svc.Close()
			return nil, nil, err
		}
	}

	var publisher ports.EventPublisher = events.NewLogPublisher(logger.With("component", "events"))
	if cfg.Events.WebhookURL != "" {
		publisher = events.NewWebhookPublisher(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, 10*time.Second)
	}
	dispatcher := usecase.NewOutboxDispatcher(svc.Outbox, publisher, usecase.DispatcherOptions{
		BatchSize: 100,
		Logger:    logger.With("component", "outbox"),
	})

	// Background loops outlive the startup context.
	svc.Ledger.Start(context.Background())
	dispatcher.Start(context.Background())

	handler := httpapi.NewHandler(svc.Tokens, svc.Minter, svc.Gate, svc.Analytics, svc.Audit, httpapi.Options{
		Upstream:      proxy,
		LookupTimeout: cfg.Auth.LookupTimeout,
		Logger:        logger.With("component", "http"),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return server, resourceCloser{closers: []io.Closer{dispatcher, svc}}, nil
}

// Serve runs the server until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
