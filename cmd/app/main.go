package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/atvirokodosprendimai/tokengate/internal/app"
	"github.com/atvirokodosprendimai/tokengate/internal/core/domain"
	"github.com/atvirokodosprendimai/tokengate/internal/core/usecase"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "tokengate",
		Usage: "API token issuance, revocation and usage metering",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("TOKENGATE_CONFIG"),
				Usage:   "YAML config file; flags override its values",
			},
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("TOKENGATE_ADDR"),
				Usage:   "HTTP listen address",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./tokengate.sqlite",
				Sources: cli.EnvVars("TOKENGATE_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "bootstrap-admin-token",
				Sources: cli.EnvVars("TOKENGATE_BOOTSTRAP_ADMIN_TOKEN"),
				Usage:   "Admin token value to create at startup if missing",
			},
			&cli.DurationFlag{
				Name:    "lookup-timeout",
				Sources: cli.EnvVars("TOKENGATE_LOOKUP_TIMEOUT"),
				Usage:   "Token store lookup deadline per request",
			},
			&cli.DurationFlag{
				Name:    "flush-interval",
				Sources: cli.EnvVars("TOKENGATE_FLUSH_INTERVAL"),
				Usage:   "How often usage counters are persisted",
			},
			&cli.StringFlag{
				Name:    "upstream-url",
				Sources: cli.EnvVars("TOKENGATE_UPSTREAM_URL"),
				Usage:   "Moderation backend that receives gated /moderate/* traffic",
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Sources: cli.EnvVars("TOKENGATE_WEBHOOK_URL"),
				Usage:   "Outbox event webhook target URL",
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Sources: cli.EnvVars("TOKENGATE_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Sources: cli.EnvVars("TOKENGATE_LOG_LEVEL"),
				Usage:   "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Sources: cli.EnvVars("TOKENGATE_LOG_FORMAT"),
				Usage:   "text or json",
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP gateway (default)",
				Action: runServe,
			},
			{
				Name:  "token",
				Usage: "Manage tokens directly in the database",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Mint a token",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "admin", Usage: "Grant admin privilege"},
						},
						Action: runTokenCreate,
					},
					{
						Name:  "list",
						Usage: "List tokens in creation order",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "active", Usage: "Hide revoked tokens"},
						},
						Action: runTokenList,
					},
					{
						Name:      "revoke",
						Usage:     "Revoke a token",
						ArgsUsage: "<token>",
						Action:    runTokenRevoke,
					},
				},
			},
			{
				Name:   "usage",
				Usage:  "Print persisted usage analytics",
				Action: runUsage,
			},
			{
				Name:  "audit",
				Usage: "Inspect the token lifecycle audit trail",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "Print lifecycle events, newest first",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "token-id", Usage: "Only events for this token id"},
							&cli.StringFlag{Name: "action", Usage: "token.minted or token.revoked"},
						},
						Action: runAuditList,
					},
					{
						Name:   "verify",
						Usage:  "Replay the audit trail and compare it with the token table",
						Action: runAuditVerify,
					},
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers explicitly set flags over the config file over defaults.
func loadConfig(c *cli.Command) (app.Config, error) {
	cfg := app.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := app.LoadConfig(path)
		if err != nil {
			return app.Config{}, err
		}
		cfg = loaded
	}

	if c.IsSet("addr") || cfg.Server.Addr == "" {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("db-path") || cfg.Database.Path == "" {
		cfg.Database.Path = c.String("db-path")
	}
	if c.IsSet("bootstrap-admin-token") {
		cfg.Auth.BootstrapAdminToken = c.String("bootstrap-admin-token")
	}
	if c.IsSet("lookup-timeout") {
		cfg.Auth.LookupTimeout = c.Duration("lookup-timeout")
	}
	if c.IsSet("flush-interval") {
		cfg.Usage.FlushInterval = c.Duration("flush-interval")
	}
	if c.IsSet("upstream-url") {
		cfg.Upstream.URL = c.String("upstream-url")
	}
	if c.IsSet("webhook-url") {
		cfg.Events.WebhookURL = c.String("webhook-url")
	}
	if c.IsSet("webhook-secret") {
		cfg.Events.WebhookSecret = c.String("webhook-secret")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	server, closer, err := app.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Error("close resources", "error", closeErr)
		}
	}()

	return app.Serve(ctx, server, logger)
}

// withServices opens the database for a one-shot CLI command. Logging goes
// to stderr so stdout stays parseable.
func withServices(ctx context.Context, c *cli.Command, fn func(*app.Services) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := app.NewLogger(app.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}, os.Stderr)

	svc, err := app.OpenServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(svc)
	if closeErr := svc.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return runErr
}

func cliMeta() domain.MutationMetadata {
	return domain.MutationMetadata{Actor: "cli", Source: "cli"}
}

func runTokenCreate(ctx context.Context, c *cli.Command) error {
	return withServices(ctx, c, func(svc *app.Services) error {
		tok, err := svc.Minter.Mint(ctx, domain.PrivilegeFromAdmin(c.Bool("admin")), cliMeta())
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "Minted %s token %s\n", tok.Privilege, tok.ID)
		fmt.Println(tok.Value)
		return nil
	})
}

func runTokenList(ctx context.Context, c *cli.Command) error {
	return withServices(ctx, c, func(svc *app.Services) error {
		tokens, err := svc.Tokens.List(ctx, domain.TokenFilter{ActiveOnly: c.Bool("active")})
		if err != nil {
			return err
		}
		printTokens(os.Stdout, tokens)
		return nil
	})
}

func runTokenRevoke(ctx context.Context, c *cli.Command) error {
	value := c.Args().First()
	if value == "" {
		return errors.New("token value is required")
	}
	return withServices(ctx, c, func(svc *app.Services) error {
		tok, err := svc.Tokens.Revoke(ctx, value, cliMeta())
		if err != nil {
			return err
		}
		color.New(color.FgYellow).Printf("Revoked token %s at %s\n", tok.ID, tok.RevokedAt.Format("2006-01-02 15:04:05"))
		return nil
	})
}

func runUsage(ctx context.Context, c *cli.Command) error {
	return withServices(ctx, c, func(svc *app.Services) error {
		snap, err := svc.Analytics.Summarize(ctx)
		if err != nil {
			return err
		}
		printUsage(os.Stdout, snap)
		return nil
	})
}

func runAuditList(ctx context.Context, c *cli.Command) error {
	return withServices(ctx, c, func(svc *app.Services) error {
		filter := domain.AuditFilter{AggregateID: c.String("token-id"), Action: c.String("action"), Limit: 500}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAT\tACTION\tTOKEN ID\tACTOR\tSOURCE")
		err := usecase.ReplayTokenEvents(ctx, svc.Audit, usecase.NewEventCodec(), filter, func(ev usecase.ReplayEvent) error {
			e := ev.Envelope
			_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.AuditID, e.OccurredAt.Format("2006-01-02 15:04:05"), e.EventType, e.AggregateID, e.Actor, e.Source)
			return err
		})
		if err != nil {
			return err
		}
		return w.Flush()
	})
}

func runAuditVerify(ctx context.Context, c *cli.Command) error {
	return withServices(ctx, c, func(svc *app.Services) error {
		projected, err := usecase.ProjectTokenLifecycles(ctx, svc.Audit, usecase.NewEventCodec(), 500)
		if err != nil {
			return err
		}
		tokens, err := svc.Tokens.List(ctx, domain.TokenFilter{})
		if err != nil {
			return err
		}

		drift := usecase.CompareLifecycles(tokens, projected)
		if len(drift) == 0 {
			color.Green("Audit trail matches %d tokens\n", len(tokens))
			return nil
		}
		for _, d := range drift {
			color.Yellow("%s: %s\n", d.TokenID, d.Reason)
		}
		return fmt.Errorf("%d tokens disagree with the audit trail", len(drift))
	})
}

func printTokens(out io.Writer, tokens []domain.Token) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOKEN\tPRIVILEGE\tCREATED\tSTATUS")
	for _, t := range tokens {
		status := color.GreenString("active")
		if t.Revoked {
			status = color.RedString("revoked")
		}
		privilege := string(t.Privilege)
		if t.Privilege.IsAdmin() {
			privilege = color.CyanString(privilege)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Value, privilege, t.CreatedAt.Format("2006-01-02 15:04:05"), status)
	}
	w.Flush()
}

func printUsage(out io.Writer, snap domain.AnalyticsSnapshot) {
	fmt.Fprintf(out, "Total calls:    %d\n", snap.TotalCalls)
	fmt.Fprintf(out, "Unique tokens:  %d\n", snap.UniqueTokens)
	fmt.Fprintf(out, "Active tokens:  %d\n", snap.ActiveTokens)
	fmt.Fprintf(out, "Revoked tokens: %d\n", snap.RevokedTokens)
	if len(snap.CallsByEndpoint) == 0 {
		return
	}

	endpoints := make([]string, 0, len(snap.CallsByEndpoint))
	for e := range snap.CallsByEndpoint {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tCALLS")
	for _, e := range endpoints {
		fmt.Fprintf(w, "%s\t%d\n", e, snap.CallsByEndpoint[e])
	}
	w.Flush()
}
