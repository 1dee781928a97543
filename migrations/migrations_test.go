package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	statements []string
	fail       bool
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.fail {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestApplyRunsEveryFileInOrder(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_init.sql" {
		t.Fatalf("names = %v, want 0001_init.sql first", names)
	}

	rec := &recordingExecer{}
	if err := Apply(context.Background(), rec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(rec.statements) != len(names) {
		t.Fatalf("executed %d files, want %d", len(rec.statements), len(names))
	}
	for _, table := range []string{"taxonomy_nodes", "routing_matrix", "areas", "claims", "claim_events", "outbox"} {
		if !strings.Contains(rec.statements[0], "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("initial schema does not create %s", table)
		}
	}
	if len(names) < 2 || names[1] != "0002_claims_created_on.sql" {
		t.Fatalf("names = %v, want the created_on migration second", names)
	}
	if !strings.Contains(rec.statements[1], "claims_deadline_from_created_on") {
		t.Error("created_on migration does not tie the deadline to the creation date")
	}
}

func TestApplyNamesTheFailingFile(t *testing.T) {
	err := Apply(context.Background(), &recordingExecer{fail: true})
	if err == nil || !strings.Contains(err.Error(), "0001_init.sql") {
		t.Fatalf("err = %v, want it to name the migration", err)
	}
}
