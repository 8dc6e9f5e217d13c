package remotesync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/progress-engine/pkg/retry"
)

// PendingWrite is a failed write held in the outbox.
type PendingWrite struct {
	ID        string    `json:"id"`
	Op        Op        `json:"op"`
	UserID    string    `json:"user_id"`
	EntityID  string    `json:"entity_id"`
	Revision  int64     `json:"revision"`
	Payload   []byte    `json:"payload,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key is the natural key of the underlying write.
func (p PendingWrite) Key() string {
	return Write{Op: p.Op, UserID: p.UserID, EntityID: p.EntityID}.Key()
}

// Outbox stores failed writes until they are replayed.
type Outbox interface {
	// Pending returns up to limit entries ordered by revision.
	Pending(limit int) ([]PendingWrite, error)
	// Confirm removes the entry for key if its revision is <= revision.
	Confirm(key string, revision int64) error
	// MarkFailed increments the attempt counter and stores the error.
	MarkFailed(key string, cause error) (PendingWrite, error)
	// Drop removes the entry for key unconditionally.
	Drop(key string) error
}

// ReplayConfig contains configuration for Replayer.
type ReplayConfig struct {
	BatchSize int
	// MaxAttempts is the number of replay runs an entry survives before it is dropped.
	MaxAttempts int
	// AttemptsPerRun is the number of tries within one run, with backoff.
	AttemptsPerRun int
	Logger         *slog.Logger
}

// DefaultReplayConfig returns sensible defaults.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		BatchSize:      100,
		MaxAttempts:    20,
		AttemptsPerRun: 3,
	}
}

// ReplayReport summarises one replay run.
type ReplayReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
}

// Replayer re-drives outbox entries through the dispatcher's Execute path.
type Replayer struct {
	outbox     Outbox
	dispatcher *Dispatcher
	retrier    *retry.Retrier
	cfg        ReplayConfig
	logger     *slog.Logger
}

// NewReplayer creates a replayer.
func NewReplayer(outbox Outbox, dispatcher *Dispatcher, cfg ReplayConfig) *Replayer {
	def := DefaultReplayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptsPerRun <= 0 {
		cfg.AttemptsPerRun = def.AttemptsPerRun
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replayer{
		outbox:     outbox,
		dispatcher: dispatcher,
		retrier:    retry.ReplayRetrier(cfg.AttemptsPerRun),
		cfg:        cfg,
		logger:     cfg.Logger,
	}
}

// ReplayOnce processes one batch of pending writes.
func (r *Replayer) ReplayOnce(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	pending, err := r.outbox.Pending(r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list pending writes: %w", err)
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++

		w, err := DecodeWrite(entry.Op, entry.UserID, entry.EntityID, entry.Revision, entry.Payload)
		if err != nil {
			r.logger.Error("dropping undecodable outbox entry", "key", entry.Key(), "error", err)
			if dropErr := r.outbox.Drop(entry.Key()); dropErr != nil {
				return report, fmt.Errorf("failed to drop entry: %w", dropErr)
			}
			report.Dropped++
			continue
		}

		err = r.retrier.Do(ctx, func(ctx context.Context) error {
			return r.dispatcher.Execute(ctx, w).Err
		})
		if err == nil {
			if err := r.outbox.Confirm(entry.Key(), entry.Revision); err != nil {
				return report, fmt.Errorf("failed to confirm entry: %w", err)
			}
			report.Succeeded++
			continue
		}

		updated, markErr := r.outbox.MarkFailed(entry.Key(), err)
		if markErr != nil {
			return report, fmt.Errorf("failed to mark entry: %w", markErr)
		}
		if updated.Attempts >= r.cfg.MaxAttempts {
			r.logger.Error("giving up on remote write",
				"op", entry.Op,
				"user_id", entry.UserID,
				"entity_id", entry.EntityID,
				"attempts", updated.Attempts,
				"payload", string(entry.Payload),
				"error", err,
			)
			if err := r.outbox.Drop(entry.Key()); err != nil {
				return report, fmt.Errorf("failed to drop entry: %w", err)
			}
			report.Dropped++
			continue
		}
		report.Failed++
	}

	if report.Attempted > 0 {
		r.logger.Info("outbox replay finished",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"dropped", report.Dropped,
		)
	}
	return report, nil
}
