package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"claimflow/routing"
	"claimflow/taxonomy"
)

// fakeRepo keeps committed claims in memory. GetForUpdate holds a per-claim
// lock until the transaction ends, and writes only become visible on commit.
type fakeRepo struct {
	mu       sync.Mutex
	claims   map[string]Claim
	rowLocks map[string]*sync.Mutex
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{claims: make(map[string]Claim), rowLocks: make(map[string]*sync.Mutex)}
}

func (r *fakeRepo) seed(c Claim) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[c.ID] = c.clone()
}

func (r *fakeRepo) committed(id string) Claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims[id].clone()
}

func (r *fakeRepo) rowLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.rowLocks[id] = l
	}
	return l
}

func (r *fakeRepo) Insert(_ context.Context, tx pgx.Tx, c Claim) (Claim, error) {
	stored := c.clone()
	tx.(*fakeTx).afterCommit(func() { r.seed(stored) })
	return c.clone(), nil
}

func (r *fakeRepo) GetForUpdate(_ context.Context, tx pgx.Tx, id string) (Claim, error) {
	l := r.rowLock(id)
	l.Lock()
	tx.(*fakeTx).atEnd(l.Unlock)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return c.clone(), nil
}

func (r *fakeRepo) Update(_ context.Context, tx pgx.Tx, c Claim, expectedVersion int64) (Claim, error) {
	r.mu.Lock()
	stored, ok := r.claims[c.ID]
	r.mu.Unlock()
	if !ok || stored.Version != expectedVersion {
		return Claim{}, ErrConflict
	}
	c.Version = expectedVersion + 1
	next := c.clone()
	tx.(*fakeTx).afterCommit(func() { r.seed(next) })
	return c.clone(), nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return c.clone(), nil
}

func (r *fakeRepo) List(_ context.Context, f Filters) ([]Claim, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Claim{}
	for _, c := range r.claims {
		if f.State != "" && c.State != f.State {
			continue
		}
		if f.BreachedAsOf != nil && (c.ClosureDate != nil || c.TheoreticalDeadline == nil || !c.TheoreticalDeadline.Before(*f.BreachedAsOf)) {
			continue
		}
		out = append(out, c.clone())
	}
	return out, len(out), nil
}

func (r *fakeRepo) Timeline(context.Context, string) ([]TimelineEvent, error) {
	return nil, nil
}

type recordedEvent struct {
	ev      TimelineEvent
	payload map[string]any
}

type fakeTimeline struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (f *fakeTimeline) Append(_ context.Context, tx pgx.Tx, ev TimelineEvent, payload map[string]any) error {
	if f.err != nil {
		return f.err
	}
	tx.(*fakeTx).afterCommit(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, recordedEvent{ev: ev, payload: payload})
	})
	return nil
}

func (f *fakeTimeline) types() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.ev.Type)
	}
	return out
}

type fakeOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, tx pgx.Tx, topic, _ string, _ map[string]any) error {
	tx.(*fakeTx).afterCommit(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.topics = append(f.topics, topic)
	})
	return nil
}

type fakeAreas map[string]string

func (f fakeAreas) OwnerOf(_ context.Context, id string) (string, error) {
	return f[id], nil
}

// fakeRoutes answers like the resolver: complete known triples route,
// triples listed as invalid fail path validation, the rest have no entry.
type fakeRoutes struct {
	mu        sync.Mutex
	decisions map[taxonomy.Triple]routing.Decision
	invalid   map[taxonomy.Triple]bool
}

func (f *fakeRoutes) set(t taxonomy.Triple, d routing.Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decisions == nil {
		f.decisions = make(map[taxonomy.Triple]routing.Decision)
	}
	d.Triple = t
	f.decisions[t] = d
}

func (f *fakeRoutes) remove(t taxonomy.Triple) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.decisions, t)
}

func (f *fakeRoutes) Resolve(_ context.Context, t taxonomy.Triple) (routing.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ClassificationID == "" || t.ClassID == "" || t.CauseID == "" || f.invalid[t] {
		return routing.Decision{}, fmt.Errorf("%w: %v", routing.ErrInvalidTaxonomyPath, t)
	}
	d, ok := f.decisions[t]
	if !ok {
		return routing.Decision{}, routing.ErrMatrixEntryNotFound
	}
	d.FirstContactOwnerIDs = append([]string(nil), d.FirstContactOwnerIDs...)
	return d, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	mu        sync.Mutex
	done      bool
	rolled    bool
	committed bool
	onCommit  []func()
	onEnd     []func()
}

func (f *fakeTx) afterCommit(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCommit = append(f.onCommit, fn)
}

func (f *fakeTx) atEnd(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnd = append(f.onEnd, fn)
}

func (f *fakeTx) finish(commit bool) error {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return pgx.ErrTxClosed
	}
	f.done = true
	f.committed = commit
	f.rolled = !commit
	onCommit, onEnd := f.onCommit, f.onEnd
	f.mu.Unlock()

	if commit {
		for _, fn := range onCommit {
			fn()
		}
	}
	for _, fn := range onEnd {
		fn()
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	return f.finish(true)
}

func (f *fakeTx) Rollback(context.Context) error {
	err := f.finish(false)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
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
