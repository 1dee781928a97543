// Package actors drives the claim service from concurrent goroutines. Each
// actor loops until stop is closed, reading a claim and then acting on the
// version it read, so reviewers and treaters collide on purpose.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"claimflow/access"
	"claimflow/claim"
	"claimflow/outbox"
	"claimflow/routing"
	"claimflow/taxonomy"
	"claimflow/test/infra"
)

// Board tracks the claims the actors work on.
type Board struct {
	mu  sync.Mutex
	ids []string
}

func (b *Board) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick returns a random claim id, false while the board is empty.
func (b *Board) Pick(rng *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	return b.ids[rng.Intn(len(b.ids))], true
}

// Stats counts outcomes across actors.
type Stats struct {
	Created   atomic.Int64
	Approved  atomic.Int64
	Rejected  atomic.Int64
	Conflicts atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d approved=%d rejected=%d conflicts=%d transient=%d",
		s.Created.Load(), s.Approved.Load(), s.Rejected.Load(), s.Conflicts.Load(), s.Transient.Load())
}

// Env is what every actor shares.
type Env struct {
	Claims  *claim.Service
	Matrix  *routing.AdminService
	Fixture infra.Fixture
	Board   *Board
	Stats   *Stats
}

func (env *Env) treater() access.Actor {
	return access.Actor{ID: env.Fixture.TreatmentOwner, Role: access.RoleClaimsHandler}
}

var (
	lead  = access.Actor{ID: "lead-1", Role: access.RoleClaimsLead}
	admin = access.Actor{ID: "admin-1", Role: access.RoleAdministrator}
)

// settle absorbs the errors a healthy system produces under contention and
// returns the rest. Connection errors from the chaos monkey count as transient.
func (env *Env) settle(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, claim.ErrConflict):
		env.Stats.Conflicts.Add(1)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, claim.ErrForbidden), errors.Is(err, claim.ErrValidation),
		errors.Is(err, claim.ErrInvariantViolation), errors.Is(err, taxonomy.ErrDuplicateEntry):
		return err
	default:
		env.Stats.Transient.Add(1)
		return nil
	}
}

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, body func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := body(); err != nil {
			return err
		}
		time.Sleep(pause())
	}
}

// Creator opens claims and records first contact, leaving them in Treatment.
// One in five claims uses the unrouted cause and so carries no deadline.
func Creator(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	pause := func() time.Duration { return time.Duration(10+rng.Intn(20)) * time.Millisecond }
	return loop(ctx, stop, pause, func() error {
		triple := env.Fixture.Routed
		if rng.Intn(5) == 0 {
			triple = env.Fixture.Unrouted
		}
		c, err := env.Claims.Create(ctx, env.treater(), claim.CreateParams{
			Triple:              triple,
			CustomerRef:         fmt.Sprintf("cust-%d", rng.Int63()),
			ResponsibleAreaID:   env.Fixture.AreaID,
			ResponsiblePersonID: env.Fixture.TreatmentOwner,
		})
		if err != nil {
			return env.settle(err)
		}
		env.Stats.Created.Add(1)
		env.Board.Add(c.ID)

		_, err = env.Claims.RecordFirstContact(ctx, env.treater(), claim.NotesParams{
			Ref:   claim.Ref{ClaimID: c.ID, ExpectedVersion: c.Version},
			Notes: "called the customer",
		})
		return env.settle(err)
	})
}

// Treater submits solutions for claims in Treatment and records progress on
// claims already under review.
func Treater(ctx context.Context, env *Env, seed int64, letter string, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	pause := func() time.Duration { return time.Duration(5+rng.Intn(15)) * time.Millisecond }
	return loop(ctx, stop, pause, func() error {
		id, ok := env.Board.Pick(rng)
		if !ok {
			return nil
		}
		c, err := env.Claims.Get(ctx, id)
		if err != nil {
			return env.settle(err)
		}
		ref := claim.Ref{ClaimID: c.ID, ExpectedVersion: c.Version}
		switch c.State {
		case claim.StateTreatment:
			_, err = env.Claims.SubmitSolution(ctx, env.treater(), claim.SolutionParams{Ref: ref, Text: "refund issued", LetterRef: letter})
		case claim.StatePendingReview:
			_, err = env.Claims.RecordProgress(ctx, env.treater(), claim.NotesParams{Ref: ref, Notes: fmt.Sprintf("follow-up %d", rng.Intn(1000))})
		case claim.StateIntake, claim.StateClosed, claim.StateClosedLocked:
		}
		return env.settle(err)
	})
}

// Reviewer approves or rejects claims pending review. Several reviewers race
// on the same claims and at most one of them may win each version.
func Reviewer(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	pause := func() time.Duration { return time.Duration(5+rng.Intn(10)) * time.Millisecond }
	return loop(ctx, stop, pause, func() error {
		id, ok := env.Board.Pick(rng)
		if !ok {
			return nil
		}
		c, err := env.Claims.Get(ctx, id)
		if err != nil {
			return env.settle(err)
		}
		if c.State != claim.StatePendingReview {
			return nil
		}
		ref := claim.Ref{ClaimID: c.ID, ExpectedVersion: c.Version}
		if rng.Intn(3) == 0 {
			_, err = env.Claims.Reject(ctx, lead, claim.NotesParams{Ref: ref, Notes: "letter needs the refund amount"})
			if err == nil {
				env.Stats.Rejected.Add(1)
			}
			return env.settle(err)
		}
		_, err = env.Claims.Approve(ctx, lead, ref)
		if err == nil {
			env.Stats.Approved.Add(1)
		}
		return env.settle(err)
	})
}

// Closer rates closed claims and then locks them.
func Closer(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	ratings := []claim.Rating{claim.RatingJustified, claim.RatingUnjustified, claim.RatingUncertain}
	pause := func() time.Duration { return time.Duration(20+rng.Intn(30)) * time.Millisecond }
	return loop(ctx, stop, pause, func() error {
		id, ok := env.Board.Pick(rng)
		if !ok {
			return nil
		}
		c, err := env.Claims.Get(ctx, id)
		if err != nil {
			return env.settle(err)
		}
		if c.State != claim.StateClosed {
			return nil
		}
		ref := claim.Ref{ClaimID: c.ID, ExpectedVersion: c.Version}
		if c.Rating == nil {
			_, err = env.Claims.Rate(ctx, lead, claim.RateParams{Ref: ref, Rating: ratings[rng.Intn(len(ratings))]})
		} else {
			_, err = env.Claims.Lock(ctx, admin, ref)
		}
		return env.settle(err)
	})
}

// Retuner keeps changing the response days of the routed entry. Claims
// already created must keep the value they snapshotted.
func Retuner(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	pause := func() time.Duration { return time.Duration(50+rng.Intn(100)) * time.Millisecond }
	return loop(ctx, stop, pause, func() error {
		_, err := env.Matrix.UpdateEntry(ctx, admin, env.Fixture.EntryID, routing.EntryParams{
			Triple:               env.Fixture.Routed,
			FirstContactOwnerIDs: []string{env.Fixture.FirstContactOwner},
			TreatmentOwnerID:     env.Fixture.TreatmentOwner,
			ResponseDays:         1 + rng.Intn(10),
			ResponseType:         "written",
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			env.Stats.Transient.Add(1)
			return nil
		}
		return err
	})
}

// Recorder is a Publisher that fails at random and remembers what it delivered.
type Recorder struct {
	mu        sync.Mutex
	rng       *rand.Rand
	delivered map[int64]int
}

func NewRecorder(seed int64) *Recorder {
	return &Recorder{rng: rand.New(rand.NewSource(seed)), delivered: make(map[int64]int)}
}

func (r *Recorder) Publish(_ context.Context, msg outbox.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Intn(10) == 0 {
		return errors.New("broker unavailable")
	}
	r.delivered[msg.ID]++
	return nil
}

// Delivered reports whether the message was published at least once.
func (r *Recorder) Delivered(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[id] > 0
}

// Relayer drains the outbox until stop is closed.
func Relayer(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	return loop(ctx, stop, func() time.Duration { return 50 * time.Millisecond }, func() error {
		if _, err := relay.RunOnce(ctx); err != nil && errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
