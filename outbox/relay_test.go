package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRelayRunOnce_PublishesAndDeadLetters(t *testing.T) {
	store := &fakeStore{pending: []Message{
		{ID: 1, Topic: "claim.approved", Key: "c1", Payload: []byte(`{}`)},
		{ID: 2, Topic: "claim.rejected", Key: "c2", Payload: []byte(`{}`), Attempts: 2},
		{ID: 3, Topic: "claim.rated", Key: "c3", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{failFor: map[int64]bool{2: true, 3: true}}
	pool := &fakePool{}

	relay := NewRelay(pool, store, pub, RelayConfig{BatchSize: 10, MaxAttempts: 3}, nil)
	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 handled messages, got %d", n)
	}
	if !pool.tx.committed {
		t.Fatal("expected batch commit")
	}

	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Fatalf("expected message 1 sent, got %v", store.sent)
	}
	if f := store.failed[2]; !f.dead || f.attempts != 3 {
		t.Fatalf("message 2 should be dead after 3 attempts, got %+v", f)
	}
	if f := store.failed[3]; f.dead || f.attempts != 1 || f.lastErr == "" {
		t.Fatalf("message 3 should stay pending with one attempt, got %+v", f)
	}
}

func TestRelayRunOnce_StoreErrorRollsBack(t *testing.T) {
	store := &fakeStore{claimErr: errors.New("db down")}
	pool := &fakePool{}

	relay := NewRelay(pool, store, &fakePublisher{}, RelayConfig{}, nil)
	if _, err := relay.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if pool.tx.committed || !pool.tx.rolled {
		t.Fatal("expected rollback without commit")
	}
}

func TestRelayRun_WaitsBetweenFailedBatches(t *testing.T) {
	store := &fakeStore{pending: []Message{
		{ID: 1, Topic: "claim.created", Key: "c1", Payload: []byte(`{}`)},
		{ID: 2, Topic: "claim.created", Key: "c2", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{failFor: map[int64]bool{1: true, 2: true}}
	relay := NewRelay(&fakePool{}, store, pub, RelayConfig{BatchSize: 2, Interval: time.Hour, MaxAttempts: 5}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, id := range []int64{1, 2} {
		if f := store.failed[id]; f.dead || f.attempts != 1 {
			t.Fatalf("message %d: expected one attempt within the interval, got %+v", id, f)
		}
	}
}

func TestRelayRun_DrainsFullBatchesWithoutWaiting(t *testing.T) {
	store := &fakeStore{pending: []Message{
		{ID: 1, Topic: "claim.created", Key: "c1", Payload: []byte(`{}`)},
		{ID: 2, Topic: "claim.created", Key: "c2", Payload: []byte(`{}`)},
		{ID: 3, Topic: "claim.created", Key: "c3", Payload: []byte(`{}`)},
	}}
	relay := NewRelay(&fakePool{}, store, &fakePublisher{}, RelayConfig{BatchSize: 2, Interval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(store.sent) != 3 {
		t.Fatalf("expected all three messages sent before the first tick, got %v", store.sent)
	}
}

type failure struct {
	attempts int
	lastErr  string
	dead     bool
}

type fakeStore struct {
	pending  []Message
	claimErr error
	sent     []int64
	failed   map[int64]failure
}

func (f *fakeStore) Enqueue(context.Context, pgx.Tx, string, string, map[string]any) error {
	return nil
}

func (f *fakeStore) ClaimPending(_ context.Context, _ pgx.Tx, limit int) ([]Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := min(limit, len(f.pending))
	return append([]Message(nil), f.pending[:n]...), nil
}

func (f *fakeStore) MarkSent(_ context.Context, _ pgx.Tx, id int64) error {
	f.sent = append(f.sent, id)
	f.drop(id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ pgx.Tx, id int64, attempts int, lastErr string, dead bool) error {
	if f.failed == nil {
		f.failed = make(map[int64]failure)
	}
	f.failed[id] = failure{attempts: attempts, lastErr: lastErr, dead: dead}
	if dead {
		f.drop(id)
		return nil
	}
	for i := range f.pending {
		if f.pending[i].ID == id {
			f.pending[i].Attempts = attempts
		}
	}
	return nil
}

func (f *fakeStore) drop(id int64) {
	kept := f.pending[:0]
	for _, m := range f.pending {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	f.pending = kept
}

type fakePublisher struct {
	failFor map[int64]bool
}

func (f *fakePublisher) Publish(_ context.Context, msg Message) error {
	if f.failFor[msg.ID] {
		return errors.New("broker unavailable")
	}
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
