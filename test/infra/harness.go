package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a test runs against: a shared DSN when one is
// configured, otherwise a Postgres 16 container, otherwise a local server.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness provisions a database and applies the migrations. A shared DSN
// gets an isolated schema so concurrent runs do not collide.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := dsn != "" || os.Getenv("CLAIMFLOW_TEST_PG_DSN") != ""

	var err error
	switch {
	case shared:
		h.container, h.dsn, err = StartPostgres16(ctx, dsn)
	case DockerAvailable(ctx):
		h.container, h.dsn, err = StartPostgres16(ctx, "")
	default:
		h.dsn, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("infra: provision database: %w", err)
	}

	h.pool, h.teardown, err = ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the run schema and stops the container, if any.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var errs []string
	if h.teardown != nil {
		if err := h.teardown(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := h.container.Terminate(ctx); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("infra: close: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Reset truncates every table, children first.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"claim_events",
		"outbox",
		"claims",
		"routing_matrix",
		"areas",
		"taxonomy_nodes",
	}
	idents := make([]string, len(tables))
	for i, t := range tables {
		idents[i] = pgx.Identifier{t}.Sanitize()
	}
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(idents, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		return fmt.Errorf("infra: reset: %w", err)
	}
	return nil
}

// DockerAvailable reports whether a docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
