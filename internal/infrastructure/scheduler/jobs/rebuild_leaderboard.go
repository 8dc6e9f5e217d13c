package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// ProfileSource lists the highest-XP profiles from the source of truth.
type ProfileSource interface {
	TopProfiles(ctx context.Context, limit int) ([]progress.ProfileUpdate, error)
}

// LeaderboardWriter replaces the cached leaderboard.
type LeaderboardWriter interface {
	Rebuild(ctx context.Context, entries []redis.LeaderboardEntry) error
}

// RebuildLeaderboardJob re-seeds the Redis leaderboard from PostgreSQL, which
// repairs drift from events missed while Redis was unavailable.
type RebuildLeaderboardJob struct {
	source ProfileSource
	target LeaderboardWriter
	size   int
	logger *slog.Logger
}

// NewRebuildLeaderboardJob creates the rebuild job. size bounds how many
// profiles are ranked.
func NewRebuildLeaderboardJob(source ProfileSource, target LeaderboardWriter, size int, logger *slog.Logger) *RebuildLeaderboardJob {
	if size <= 0 {
		size = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RebuildLeaderboardJob{source: source, target: target, size: size, logger: logger}
}

// Name implements scheduler.Job.
func (j *RebuildLeaderboardJob) Name() string { return "rebuild_leaderboard" }

// Description implements scheduler.Job.
func (j *RebuildLeaderboardJob) Description() string {
	return "Rebuilds the XP leaderboard from stored profiles"
}

// Run implements scheduler.Job.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	profiles, err := j.source.TopProfiles(ctx, j.size)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	entries := make([]redis.LeaderboardEntry, 0, len(profiles))
	for _, p := range profiles {
		if p.TotalXP <= 0 {
			continue
		}
		entries = append(entries, redis.LeaderboardEntry{
			UserID:    p.UserID,
			XP:        int64(p.TotalXP),
			Level:     shared.XP(p.TotalXP).Level().Int(),
			UpdatedAt: p.UpdatedAt,
		})
	}

	if err := j.target.Rebuild(ctx, entries); err != nil {
		return fmt.Errorf("failed to rebuild leaderboard: %w", err)
	}
	j.logger.Info("leaderboard rebuilt", "entries", len(entries))
	return nil
}
