package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ErrNotRanked is returned when the user has no leaderboard entry.
var ErrNotRanked = errors.New("leaderboard_cache: user not ranked")

// LeaderboardEntry is one ranked learner.
type LeaderboardEntry struct {
	UserID    string    `json:"user_id"`
	XP        int64     `json:"xp"`
	Level     int       `json:"level"`
	Rank      int64     `json:"rank,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeaderboardCache ranks learners by total XP.
//
// Layout:
//   - Sorted Set "{prefix}leaderboard:xp" stores userID -> XP
//   - Hash "{prefix}leaderboard:info" stores userID -> LeaderboardEntry JSON
type LeaderboardCache struct {
	cache  *Cache
	logger *slog.Logger
	// timeout bounds event-driven updates, which run without a caller context.
	timeout time.Duration
}

// NewLeaderboardCache creates a new LeaderboardCache.
func NewLeaderboardCache(cache *Cache, logger *slog.Logger) *LeaderboardCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderboardCache{cache: cache, logger: logger, timeout: 3 * time.Second}
}

func (l *LeaderboardCache) xpKey() string   { return l.cache.Key("leaderboard:xp") }
func (l *LeaderboardCache) infoKey() string { return l.cache.Key("leaderboard:info") }

// ══════════════════════════════════════════════════════════════════════════════
// WRITE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// UpdateEntry sets the user's XP. O(log N).
func (l *LeaderboardCache) UpdateEntry(ctx context.Context, entry LeaderboardEntry) error {
	if entry.UserID == "" {
		return ErrUserIDEmpty
	}
	entry.Rank = 0
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := l.cache.Client().TxPipeline()
	pipe.ZAdd(ctx, l.xpKey(), redis.Z{Score: float64(entry.XP), Member: entry.UserID})
	pipe.HSet(ctx, l.infoKey(), entry.UserID, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes the user's entry.
func (l *LeaderboardCache) Remove(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDEmpty
	}
	pipe := l.cache.Client().TxPipeline()
	pipe.ZRem(ctx, l.xpKey(), userID)
	pipe.HDel(ctx, l.infoKey(), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// Rebuild replaces the whole leaderboard with entries.
func (l *LeaderboardCache) Rebuild(ctx context.Context, entries []LeaderboardEntry) error {
	pipe := l.cache.Client().TxPipeline()
	pipe.Del(ctx, l.xpKey(), l.infoKey())
	for _, e := range entries {
		if e.UserID == "" {
			continue
		}
		e.Rank = 0
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		pipe.ZAdd(ctx, l.xpKey(), redis.Z{Score: float64(e.XP), Member: e.UserID})
		pipe.HSet(ctx, l.infoKey(), e.UserID, data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// READ OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Top returns the n highest-XP entries with 1-based ranks.
func (l *LeaderboardCache) Top(ctx context.Context, n int) ([]LeaderboardEntry, error) {
	if n <= 0 {
		return []LeaderboardEntry{}, nil
	}
	ids, err := l.cache.Client().ZRevRange(ctx, l.xpKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []LeaderboardEntry{}, nil
	}

	infos, err := l.cache.Client().HMGet(ctx, l.infoKey(), ids...).Result()
	if err != nil {
		return nil, err
	}
	scores := l.cache.Client().Pipeline()
	cmds := make([]*redis.FloatCmd, len(ids))
	for i, id := range ids {
		cmds[i] = scores.ZScore(ctx, l.xpKey(), id)
	}
	if _, err := scores.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]LeaderboardEntry, 0, len(ids))
	for i, id := range ids {
		entry := LeaderboardEntry{UserID: id}
		if raw, ok := infos[i].(string); ok {
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				l.logger.Warn("corrupt leaderboard entry", "user_id", id, "error", err)
			}
		}
		entry.XP = int64(cmds[i].Val())
		entry.Rank = int64(i + 1)
		out = append(out, entry)
	}
	return out, nil
}

// Rank returns the user's 1-based rank.
func (l *LeaderboardCache) Rank(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUserIDEmpty
	}
	rank, err := l.cache.Client().ZRevRank(ctx, l.xpKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotRanked
	}
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}

// Count returns the number of ranked users.
func (l *LeaderboardCache) Count(ctx context.Context) (int64, error) {
	return l.cache.Client().ZCard(ctx, l.xpKey()).Result()
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// Subscribe keeps the leaderboard current from progress events.
func (l *LeaderboardCache) Subscribe(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{shared.EventXPGained, shared.EventProgressLoaded, shared.EventProgressReset} {
		if err := bus.Subscribe(t, l.handle); err != nil {
			return err
		}
	}
	return nil
}

func (l *LeaderboardCache) handle(event shared.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	switch e := event.(type) {
	case shared.XPGainedEvent:
		return l.UpdateEntry(ctx, entryFor(e.UserID, e.NewTotal, e.OccurredAt()))
	case shared.ProgressLoadedEvent:
		if e.TotalXP == 0 {
			return nil
		}
		return l.UpdateEntry(ctx, entryFor(e.UserID, e.TotalXP, e.OccurredAt()))
	case shared.ProgressResetEvent:
		return l.Remove(ctx, e.UserID)
	}
	return nil
}

func entryFor(userID string, totalXP int, at time.Time) LeaderboardEntry {
	return LeaderboardEntry{
		UserID:    userID,
		XP:        int64(totalXP),
		Level:     shared.XP(totalXP).Level().Int(),
		UpdatedAt: at,
	}
}
