package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"claimflow/access"
	"claimflow/area"
	"claimflow/auth"
	"claimflow/claim"
	"claimflow/config"
	"claimflow/db"
	"claimflow/document"
	"claimflow/outbox"
	"claimflow/routing"
	"claimflow/sla"
	"claimflow/taxonomy"
)

// app holds the wired services shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	policy   *access.Policy
	tokens   *auth.Service
	claims   *claim.Service
	matrix   *routing.AdminService
	areas    *area.Service
	letters  *document.Letters
	taxonomy *taxonomy.PGRepository
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newPolicy builds the role table and token service; they need no database.
func newPolicy(cfg *config.Config) (*access.Policy, *auth.Service, error) {
	table, err := cfg.RoleTable()
	if err != nil {
		return nil, nil, err
	}
	policy := access.NewPolicy(table)
	tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, policy)
	if err != nil {
		return nil, nil, err
	}
	return policy, tokens, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	policy, tokens, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	letters, err := buildLetters(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	taxRepo := taxonomy.NewRepository(pool)
	resolver := routing.NewResolver(taxRepo)
	cached := routing.NewCachedResolver(resolver, cfg.Routing.CacheTTL)
	matrix := routing.NewAdminService(taxRepo, resolver, policy, logger).WithCache(cached)

	areas := area.NewService(area.NewRepository(pool))
	claims := claim.NewService(pool, claim.NewRepository(pool), cached, policy, sla.NewCalculator(loc)).
		WithAreas(areas).
		WithTimeline(claim.NewTimeline()).
		WithOutbox(outbox.NewPGStore()).
		WithResnapshot(cfg.Policy.AllowAdminResnapshot).
		WithLogger(logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		policy:   policy,
		tokens:   tokens,
		claims:   claims,
		matrix:   matrix,
		areas:    areas,
		letters:  letters,
		taxonomy: taxRepo,
	}, nil
}

func buildLetters(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*document.Letters, error) {
	var store document.Store
	switch cfg.Documents.Backend {
	case "s3":
		s3, err := document.NewS3Store(ctx, document.S3Config{
			Bucket:   cfg.Documents.Bucket,
			Region:   cfg.Documents.Region,
			Endpoint: cfg.Documents.Endpoint,
			Prefix:   cfg.Documents.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap document store: %w", err)
		}
		store = s3
	default:
		fs, err := document.NewFileStore(cfg.Documents.Dir)
		if err != nil {
			return nil, fmt.Errorf("bootstrap document store: %w", err)
		}
		store = fs
	}

	var converter document.Converter
	if cfg.Converter.URL != "" {
		converter = document.NewHTTPConverter(document.ConverterConfig{
			URL:     cfg.Converter.URL,
			Timeout: cfg.Converter.Timeout,
			Rate:    cfg.Converter.Rate,
			Burst:   cfg.Converter.Burst,
		})
	}
	return document.NewLetters(store, converter, cfg.Documents.MaxSize, logger), nil
}

func (a *app) server() *Server {
	return &Server{
		claims:  a.claims,
		matrix:  a.matrix,
		areas:   a.areas,
		letters: a.letters,
		tokens:  a.tokens,
		logger:  a.logger.With("component", "http"),
	}
}

func (a *app) relay() (*outbox.Relay, *outbox.KafkaPublisher) {
	publisher := outbox.NewKafkaPublisher(a.cfg.Kafka.Brokers, a.cfg.Kafka.TopicPrefix)
	relay := outbox.NewRelay(a.pool, outbox.NewPGStore(), publisher, outbox.RelayConfig{
		BatchSize:   a.cfg.Outbox.BatchSize,
		Interval:    a.cfg.Outbox.Interval,
		MaxAttempts: a.cfg.Outbox.MaxAttempts,
	}, a.logger)
	return relay, publisher
}

func (a *app) close() {
	a.pool.Close()
}
