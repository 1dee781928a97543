package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"claimflow/access"
	"claimflow/claim"
	"claimflow/document"
	"claimflow/outbox"
	"claimflow/routing"
	"claimflow/sla"
	"claimflow/taxonomy"
	"claimflow/test/actors"
	"claimflow/test/chaos"
	"claimflow/test/infra"
	"claimflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per kind")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestClaimLifecycleStress races creators, treaters and reviewers on the same
// claims while the routing entry keeps changing and connections get killed,
// checking the SQL oracles every couple of seconds.
func TestClaimLifecycleStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	if *flDSN == "" && os.Getenv("CLAIMFLOW_TEST_PG_DSN") == "" && !infra.DockerAvailable(context.Background()) {
		t.Skip("no database available: set -dsn or CLAIMFLOW_TEST_PG_DSN, or run docker")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()

	fixture, err := infra.Seed(ctx, pool)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	policy := access.NewPolicy(nil)
	taxRepo := taxonomy.NewRepository(pool)
	resolver := routing.NewResolver(taxRepo)
	cached := routing.NewCachedResolver(resolver, 200*time.Millisecond)
	env := &actors.Env{
		Claims: claim.NewService(pool, claim.NewRepository(pool), cached, policy, sla.NewCalculator(time.UTC)).
			WithTimeline(claim.NewTimeline()).
			WithOutbox(outbox.NewPGStore()).
			WithLogger(logger),
		Matrix:  routing.NewAdminService(taxRepo, resolver, policy, logger).WithCache(cached),
		Fixture: fixture,
		Board:   &actors.Board{},
		Stats:   &actors.Stats{},
	}
	recorder := actors.NewRecorder(seed)
	relay := outbox.NewRelay(pool, outbox.NewPGStore(), recorder, outbox.RelayConfig{BatchSize: 20, MaxAttempts: 1000}, logger)
	letter := document.NewRef(document.FormatDOCX, []byte("closing letter")).String()

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	for i := 0; i < *flConcurrency; i++ {
		base := seed + int64(i)*100
		g.Go(func() error { return actors.Creator(gctx, env, base+1, stop) })
		g.Go(func() error { return actors.Treater(gctx, env, base+2, letter, stop) })
		g.Go(func() error { return actors.Reviewer(gctx, env, base+3, stop) })
		g.Go(func() error { return actors.Reviewer(gctx, env, base+4, stop) })
	}
	g.Go(func() error { return actors.Closer(gctx, env, seed+5, stop) })
	g.Go(func() error { return actors.Retuner(gctx, env, seed+6, stop) })
	g.Go(func() error { return actors.Relayer(gctx, relay, stop) })
	go chaos.TerminateRandomBackend(gctx, pool, 500*time.Millisecond, seed+7, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	failure := ""
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			if failure = checkOracles(gctx, t, pool); failure != "" {
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		dumpRecent(t, ctx, pool)
		t.Fatalf("actor failed: %v (seed=%d)", err, seed)
	}
	if failure == "" {
		failure = checkOracles(ctx, t, pool)
	}
	if failure != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("%s (seed=%d)", failure, seed)
	}

	assertRelayed(t, ctx, pool, recorder)
	t.Logf("stats: %s", env.Stats)
	if env.Stats.Created.Load() == 0 {
		t.Fatalf("no claim was created (seed=%d)", seed)
	}
}

func checkOracles(ctx context.Context, t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ""
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		return fmt.Sprintf("oracle %s failed, first row: %s", name, row)
	}
	return ""
}

// assertRelayed checks that every message marked sent reached the publisher.
func assertRelayed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, rec *actors.Recorder) {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT id FROM outbox WHERE status = 'sent'`)
	if err != nil {
		t.Fatalf("query sent outbox rows: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan outbox id: %v", err)
		}
		if !rec.Delivered(id) {
			t.Errorf("outbox message %d marked sent but never published", id)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate outbox: %v", err)
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"claims", `SELECT id, version, state, theoretical_deadline, closure_date, delay_days, compliant FROM claims ORDER BY updated_at DESC LIMIT 20`},
		{"claim_events", `SELECT id, claim_id, type, from_state, to_state, version FROM claim_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, last_error FROM outbox ORDER BY id DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
