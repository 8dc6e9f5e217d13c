// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
)

// OutboxReplayer re-drives pending outbox entries.
type OutboxReplayer interface {
	ReplayOnce(ctx context.Context) (remotesync.ReplayReport, error)
}

// ReplayOutboxJob periodically retries remote writes that failed earlier.
type ReplayOutboxJob struct {
	replayer OutboxReplayer
	logger   *slog.Logger

	last atomic.Value // remotesync.ReplayReport
}

// NewReplayOutboxJob creates the replay job.
func NewReplayOutboxJob(replayer OutboxReplayer, logger *slog.Logger) *ReplayOutboxJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayOutboxJob{replayer: replayer, logger: logger}
}

// Name implements scheduler.Job.
func (j *ReplayOutboxJob) Name() string { return "replay_outbox" }

// Description implements scheduler.Job.
func (j *ReplayOutboxJob) Description() string {
	return "Retries failed remote progress writes from the outbox"
}

// Run implements scheduler.Job.
func (j *ReplayOutboxJob) Run(ctx context.Context) error {
	report, err := j.replayer.ReplayOnce(ctx)
	j.last.Store(report)
	if err != nil {
		return err
	}
	if report.Attempted > 0 {
		j.logger.Info("outbox replayed",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"dropped", report.Dropped,
		)
	}
	return nil
}

// LastReport returns the report of the most recent run.
func (j *ReplayOutboxJob) LastReport() remotesync.ReplayReport {
	if r, ok := j.last.Load().(remotesync.ReplayReport); ok {
		return r
	}
	return remotesync.ReplayReport{}
}
