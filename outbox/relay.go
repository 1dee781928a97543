package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"claimflow/db"
)

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

// Relay drains pending outbox rows to a Publisher. Several relays may run
// against the same table; row locks keep them from sending the same message.
type Relay struct {
	pool      db.TxBeginner
	store     Store
	publisher Publisher
	cfg       RelayConfig
	logger    *slog.Logger
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pool:      pool,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "outbox_relay"),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		handled, sent, err := r.runBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "relay batch failed", "error", err)
		}
		// A full batch that went out cleanly may have more behind it. Any
		// failure waits for the next tick so retries are spread over time.
		if err == nil && handled == r.cfg.BatchSize && sent == handled {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce publishes one batch and returns how many messages it handled,
// delivered or not.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	handled, _, err := r.runBatch(ctx)
	return handled, err
}

func (r *Relay) runBatch(ctx context.Context) (handled, sent int, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.ClaimPending(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, m := range msgs {
		pubErr := r.publisher.Publish(ctx, m)
		if pubErr == nil {
			if err := r.store.MarkSent(ctx, tx, m.ID); err != nil {
				return 0, 0, err
			}
			sent++
			continue
		}

		attempts := m.Attempts + 1
		dead := attempts >= r.cfg.MaxAttempts
		if err := r.store.MarkFailed(ctx, tx, m.ID, attempts, pubErr.Error(), dead); err != nil {
			return 0, 0, err
		}
		if dead {
			r.logger.ErrorContext(ctx, "outbox message dead-lettered", "id", m.ID, "topic", m.Topic, "attempts", attempts, "error", pubErr)
		} else {
			r.logger.WarnContext(ctx, "outbox publish failed", "id", m.ID, "topic", m.Topic, "attempts", attempts, "error", pubErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return len(msgs), sent, nil
}
