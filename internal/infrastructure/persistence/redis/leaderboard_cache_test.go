package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
)

func newTestLeaderboard(t *testing.T) (*LeaderboardCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLeaderboardCache(NewCacheFromClient(client, "test:"), nil), mr
}

func TestLeaderboard_TopAndRank(t *testing.T) {
	lb, mr := newTestLeaderboard(t)
	ctx := context.Background()

	require.NoError(t, lb.UpdateEntry(ctx, LeaderboardEntry{UserID: "alice", XP: 250, Level: 3}))
	require.NoError(t, lb.UpdateEntry(ctx, LeaderboardEntry{UserID: "bob", XP: 40, Level: 1}))
	require.NoError(t, lb.UpdateEntry(ctx, LeaderboardEntry{UserID: "carol", XP: 120, Level: 2}))

	assert.True(t, mr.Exists("test:leaderboard:xp"))

	top, err := lb.Top(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "alice", top[0].UserID)
	assert.Equal(t, int64(1), top[0].Rank)
	assert.Equal(t, 3, top[0].Level)
	assert.Equal(t, "carol", top[1].UserID)
	assert.Equal(t, int64(120), top[1].XP)

	rank, err := lb.Rank(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rank)

	_, err = lb.Rank(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotRanked)

	empty, err := lb.Top(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLeaderboard_RemoveAndRebuild(t *testing.T) {
	lb, _ := newTestLeaderboard(t)
	ctx := context.Background()

	require.NoError(t, lb.UpdateEntry(ctx, LeaderboardEntry{UserID: "alice", XP: 250}))
	require.NoError(t, lb.Remove(ctx, "alice"))
	n, err := lb.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, lb.UpdateEntry(ctx, LeaderboardEntry{UserID: "stale", XP: 999}))
	require.NoError(t, lb.Rebuild(ctx, []LeaderboardEntry{
		{UserID: "dave", XP: 10},
		{UserID: "erin", XP: 30},
		{UserID: ""},
	}))

	n, err = lb.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	top, err := lb.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "erin", top[0].UserID)

	assert.ErrorIs(t, lb.UpdateEntry(ctx, LeaderboardEntry{}), ErrUserIDEmpty)
	assert.ErrorIs(t, lb.Remove(ctx, ""), ErrUserIDEmpty)
}

func TestLeaderboard_FollowsEvents(t *testing.T) {
	lb, _ := newTestLeaderboard(t)
	ctx := context.Background()
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{AsyncMode: false})
	require.NoError(t, lb.Subscribe(bus))

	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	require.NoError(t, bus.Publish(shared.NewXPGainedEvent("alice", 20, 20, shared.XPSourceLesson, "L1", now)))
	require.NoError(t, bus.Publish(shared.NewXPGainedEvent("alice", 100, 120, shared.XPSourceAchievement, "first_steps", now)))
	require.NoError(t, bus.Publish(shared.NewProgressLoadedEvent("bob", 60, false, now)))
	require.NoError(t, bus.Publish(shared.NewProgressLoadedEvent("zero", 0, false, now)))

	top, err := lb.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "alice", top[0].UserID)
	assert.Equal(t, int64(120), top[0].XP)
	assert.Equal(t, 2, top[0].Level)

	require.NoError(t, bus.Publish(shared.NewProgressResetEvent("alice", now)))
	_, err = lb.Rank(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotRanked)
}
