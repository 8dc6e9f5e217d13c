package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────────────────────────────────

type units map[string][]string

func (u units) UnitOf(lessonID string) (string, bool) {
	for unitID, lessons := range u {
		for _, id := range lessons {
			if id == lessonID {
				return unitID, true
			}
		}
	}
	return "", false
}

func (u units) LessonCount(unitID string) int {
	return len(u[unitID])
}

type fakeIdentity struct {
	userID string
	hooks  []func()
}

func (f *fakeIdentity) UserID() string      { return f.userID }
func (f *fakeIdentity) OnSignOut(fn func()) { f.hooks = append(f.hooks, fn) }

func (f *fakeIdentity) signOut() {
	for _, fn := range f.hooks {
		fn()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []shared.Event
}

func (l *eventLog) handle(e shared.Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) count(t shared.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store      *Store
	remote     *memory.Store
	dispatcher *remotesync.Dispatcher
	clock      *timeutil.ManualClock
	events     *eventLog
	identity   *fakeIdentity
}

var day1 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, content ContentResolver) *fixture {
	t.Helper()

	remote := memory.NewStore()
	dispatcher := remotesync.NewDispatcher(remote, remotesync.SinkFunc(func(remotesync.Result) {}), remotesync.DefaultConfig())
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{AsyncMode: false})
	events := &eventLog{}
	require.NoError(t, bus.SubscribeAll(events.handle))
	clock := timeutil.NewManualClock(day1)
	identity := &fakeIdentity{userID: "user-1"}

	store := NewStore(Deps{
		Remote:     remote,
		Dispatcher: dispatcher,
		Identity:   identity,
		Content:    content,
		Events:     bus,
		Clock:      clock,
	}, DefaultConfig())

	return &fixture{
		store:      store,
		remote:     remote,
		dispatcher: dispatcher,
		clock:      clock,
		events:     events,
		identity:   identity,
	}
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Load(context.Background()))
}

func (f *fixture) fetch(t *testing.T) *progress.RemoteProfile {
	t.Helper()
	f.dispatcher.Wait()
	profile, err := f.remote.FetchProfile(context.Background(), "user-1")
	require.NoError(t, err)
	return profile
}

func lesson(id string, xp int) CompleteLessonInput {
	return CompleteLessonInput{LessonID: id, XPGained: xp}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

func TestStore_MutationsRequireBootstrap(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	assert.ErrorIs(t, err, shared.ErrNotReady)

	_, err = f.store.CompleteQuestion("L1", "q1")
	assert.ErrorIs(t, err, shared.ErrNotReady)

	_, err = f.store.UpdateStreak()
	assert.ErrorIs(t, err, shared.ErrNotReady)

	assert.ErrorIs(t, f.store.ResetProgress(), shared.ErrNotReady)
	assert.Equal(t, 0, f.remote.Calls(memory.MethodUpdateProfile))
}

func TestStore_FirstLessonOnFreshAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	assert.True(t, f.store.Ready())
	assert.False(t, f.store.Degraded())

	result, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, 20, result.TotalXP)
	assert.Equal(t, 20, result.XPGained)
	assert.Equal(t, 1, result.Level)
	assert.Equal(t, 1, result.Streak)
	require.Len(t, result.NewAchievements, 1)
	assert.Equal(t, "first_steps", result.NewAchievements[0].ID)

	snap := f.store.Snapshot()
	assert.True(t, snap.HasCompleted("L1"))
	assert.Equal(t, timeutil.NewDate(2026, time.October, 17), snap.LastStudyDate)

	remote := f.fetch(t)
	assert.Equal(t, 20, remote.Profile.TotalXP)
	assert.Equal(t, 1, remote.Profile.Streak)
	require.Len(t, remote.Completions, 1)
	assert.Equal(t, "L1", remote.Completions[0].LessonID)
	require.Len(t, remote.Achievements, 1)
	assert.Equal(t, "first_steps", remote.Achievements[0].AchievementID)
	require.NotNil(t, remote.Stats)
	assert.Equal(t, 1, remote.Stats.LessonsCompleted)

	assert.Equal(t, 1, f.events.count(shared.EventLessonCompleted))
	assert.Equal(t, 2, f.events.count(shared.EventXPGained))
	assert.Equal(t, 1, f.events.count(shared.EventAchievementUnlocked))
	assert.Equal(t, 1, f.events.count(shared.EventStreakUpdated))
}

func TestStore_EventsOfOneOperationShareCorrelationID(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	loaded := len(f.events.events)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	_, err = f.store.CompleteLesson(lesson("L2", 10))
	require.NoError(t, err)

	type correlated interface{ Correlation() string }
	ids := map[string]int{}
	for _, e := range f.events.events[loaded:] {
		c, ok := e.(correlated)
		require.True(t, ok, "%T", e)
		require.NotEmpty(t, c.Correlation())
		ids[c.Correlation()]++
	}

	// First lesson: completion, two XP grants, achievement and streak.
	// Second lesson: completion and one XP grant.
	require.Len(t, ids, 2)
	counts := []int{}
	for _, n := range ids {
		counts = append(counts, n)
	}
	assert.ElementsMatch(t, []int{5, 2}, counts)
}

func TestStore_CompleteLessonTwiceIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	f.dispatcher.Wait()

	again, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	f.dispatcher.Wait()

	assert.True(t, again.Duplicate)
	assert.Equal(t, 20, again.TotalXP)
	assert.Equal(t, 1, f.remote.Calls(memory.MethodAppendCompletion))
	assert.Equal(t, 1, f.remote.Calls(memory.MethodUpdateProfile))
	assert.Equal(t, 1, f.events.count(shared.EventLessonCompleted))
}

func TestStore_ValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	_, err := f.store.CompleteLesson(lesson("", 10))
	assert.ErrorIs(t, err, shared.ErrEmptyValue)

	_, err = f.store.CompleteLesson(lesson("L1", -5))
	assert.ErrorIs(t, err, shared.ErrNegativeValue)

	_, err = f.store.CompleteQuestion("L1", "")
	assert.ErrorIs(t, err, shared.ErrEmptyValue)
}

func TestStore_RemoteFailureDoesNotTouchLocalState(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	f.remote.SetFailure(memory.MethodUpdateProfile, errors.New("connection reset"))
	f.remote.SetFailure(memory.MethodAppendCompletion, errors.New("connection reset"))

	result, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	f.dispatcher.Wait()

	assert.Equal(t, 20, result.TotalXP)
	snap := f.store.Snapshot()
	assert.True(t, snap.HasCompleted("L1"))
	assert.Equal(t, 20, snap.TotalXP)
}

func TestStore_StreakAcrossDays(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)

	second, err := f.store.CompleteLesson(lesson("L2", 10))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Streak, "same day keeps the streak")

	f.clock.Advance(24 * time.Hour)
	third, err := f.store.CompleteLesson(lesson("L3", 10))
	require.NoError(t, err)
	assert.Equal(t, 2, third.Streak)
	assert.Equal(t, 2, f.store.Stats().LongestStreak)
}

func TestStore_UpdateStreak(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)

	same, err := f.store.UpdateStreak()
	require.NoError(t, err)
	assert.False(t, same.Changed)
	assert.Equal(t, 1, same.Streak)

	f.clock.Advance(24 * time.Hour)
	next, err := f.store.UpdateStreak()
	require.NoError(t, err)
	assert.True(t, next.Changed)
	assert.Equal(t, 2, next.Streak)

	f.clock.Advance(72 * time.Hour)
	broken, err := f.store.UpdateStreak()
	require.NoError(t, err)
	assert.True(t, broken.Changed)
	assert.Equal(t, 1, broken.Streak)
	assert.Equal(t, timeutil.DateOf(f.clock.Now(), time.UTC), f.store.Snapshot().LastStudyDate)

	remote := f.fetch(t)
	assert.Equal(t, 1, remote.Profile.Streak)
	assert.Equal(t, 2, remote.Stats.LongestStreak)
}

func TestStore_UnitCompletionResolvedFromContent(t *testing.T) {
	f := newFixture(t, units{"U1": {"L1", "L2"}})
	f.load(t)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.Stats().UnitsCompleted)

	result, err := f.store.CompleteLesson(lesson("L2", 10))
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.Stats().UnitsCompleted)
	assert.Equal(t, 2, f.store.Snapshot().UnitProgress["U1"])
	ids := make([]string, 0, len(result.NewAchievements))
	for _, a := range result.NewAchievements {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, "unit_1")
}

func TestStore_Questions(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	added, err := f.store.CompleteQuestion("L1", "q1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = f.store.CompleteQuestion("L1", "q1")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = f.store.CompleteQuestion("L1", "q2")
	require.NoError(t, err)

	assert.Equal(t, 2, f.store.GetLessonProgress("L1"))
	assert.Equal(t, 0, f.store.GetLessonProgress("L9"))

	f.dispatcher.Wait()
	assert.Equal(t, 2, f.remote.Calls(memory.MethodAddQuestion))

	result, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	assert.Equal(t, 20, result.TotalXP)
	assert.Equal(t, 2, f.store.Stats().QuestionsAnswered)
}

func TestStore_ResetProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	f.dispatcher.Wait()

	require.NoError(t, f.store.ResetProgress())

	snap := f.store.Snapshot()
	assert.Equal(t, 0, snap.TotalXP)
	assert.Equal(t, 0, snap.Streak)
	assert.True(t, snap.LastStudyDate.IsZero())
	assert.Empty(t, snap.CompletedLessons)
	for _, a := range f.store.Achievements() {
		assert.False(t, a.Unlocked, a.ID)
	}

	remote := f.fetch(t)
	assert.Equal(t, 0, remote.Profile.TotalXP)
	assert.Empty(t, remote.Completions)
	assert.Empty(t, remote.Achievements)
	assert.Nil(t, remote.Stats)
	assert.Equal(t, 1, f.events.count(shared.EventProgressReset))

	again, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.Equal(t, 20, again.TotalXP)
}

// slowUnlocks delays stats and achievement writes so they land after a reset
// dispatched later.
type slowUnlocks struct {
	*memory.Store
	delay time.Duration
}

func (s slowUnlocks) UpsertStats(ctx context.Context, rec progress.StatsRecord) error {
	time.Sleep(s.delay)
	return s.Store.UpsertStats(ctx, rec)
}

func (s slowUnlocks) UpsertAchievement(ctx context.Context, rec progress.AchievementRecord) error {
	time.Sleep(s.delay)
	return s.Store.UpsertAchievement(ctx, rec)
}

func TestStore_LateWritesDoNotSurviveReset(t *testing.T) {
	remote := slowUnlocks{Store: memory.NewStore(), delay: 100 * time.Millisecond}
	var stale atomic.Int32
	dispatcher := remotesync.NewDispatcher(remote, remotesync.SinkFunc(func(r remotesync.Result) {
		if r.Stale {
			stale.Add(1)
		}
	}), remotesync.DefaultConfig())
	clock := timeutil.NewManualClock(day1)
	store := NewStore(Deps{Remote: remote, Dispatcher: dispatcher, Clock: clock}, DefaultConfig())
	require.NoError(t, store.LoadFromRemote(context.Background(), "user-1"))

	_, err := store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	require.NoError(t, store.ResetProgress())
	dispatcher.Wait()

	assert.GreaterOrEqual(t, stale.Load(), int32(2), "stats and first_steps unlock from before the reset")

	reloaded := NewStore(Deps{Remote: remote, Dispatcher: dispatcher, Clock: clock}, DefaultConfig())
	require.NoError(t, reloaded.LoadFromRemote(context.Background(), "user-1"))

	snap := reloaded.Snapshot()
	assert.Equal(t, 0, snap.TotalXP)
	assert.Empty(t, snap.CompletedLessons)
	assert.Equal(t, 0, reloaded.Stats().LessonsCompleted)
	for _, a := range reloaded.Achievements() {
		assert.False(t, a.Unlocked, a.ID)
	}

	// The first lesson after the reset earns first_steps again.
	result, err := reloaded.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	require.Len(t, result.NewAchievements, 1)
	assert.Equal(t, "first_steps", result.NewAchievements[0].ID)
	assert.Equal(t, 20, result.TotalXP)
	dispatcher.Wait()

	profile, err := remote.FetchProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, profile.Completions, 1)
	assert.Len(t, profile.Achievements, 1)
	require.NotNil(t, profile.Stats)
	assert.Equal(t, 1, profile.Stats.LessonsCompleted)
}

func TestStore_ConcurrentCompletionsOfSameLesson(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	const workers = 32
	var wg sync.WaitGroup
	var applied atomic.Int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.store.CompleteLesson(lesson("L1", 10))
			if err == nil && !result.Duplicate {
				applied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, 20, f.store.Snapshot().TotalXP, "lesson XP and first_steps reward, once each")
	assert.Equal(t, 1, f.store.Stats().LessonsCompleted)
	assert.Equal(t, 1, f.events.count(shared.EventLessonCompleted))
	assert.Equal(t, 1, f.events.count(shared.EventAchievementUnlocked))

	remote := f.fetch(t)
	assert.Len(t, remote.Completions, 1)
	assert.Equal(t, 1, f.remote.Calls(memory.MethodAppendCompletion))
}

func TestStore_ConcurrentQuestionsAndStreakChecks(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)

	const workers = 40
	var wg sync.WaitGroup
	var newQuestions, streakChanges atomic.Int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if i%2 == 0 {
				if ok, err := f.store.CompleteQuestion("L1", fmt.Sprintf("q%d", i%5)); err == nil && ok {
					newQuestions.Add(1)
				}
				return
			}
			if res, err := f.store.UpdateStreak(); err == nil && res.Changed {
				streakChanges.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), newQuestions.Load())
	assert.Equal(t, 5, f.store.GetLessonProgress("L1"))
	assert.Equal(t, int32(1), streakChanges.Load())
	assert.Equal(t, 1, f.store.Snapshot().Streak)
	assert.Equal(t, 1, f.events.count(shared.EventStreakUpdated))

	f.dispatcher.Wait()
	assert.Equal(t, 5, f.remote.Calls(memory.MethodAddQuestion))
}

func TestStore_LoadRestoresRemoteProfile(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	_, err := f.store.CompleteLesson(lesson("L1", 40))
	require.NoError(t, err)
	f.dispatcher.Wait()

	// A fresh session for the same user.
	g := newFixture(t, nil)
	g.remote = f.remote
	g.store = NewStore(Deps{Remote: f.remote, Dispatcher: g.dispatcher, Clock: g.clock}, DefaultConfig())
	require.NoError(t, g.store.LoadFromRemote(context.Background(), "user-1"))

	snap := g.store.Snapshot()
	assert.Equal(t, 50, snap.TotalXP)
	assert.True(t, snap.HasCompleted("L1"))
	assert.Equal(t, 1, g.store.Stats().LessonsCompleted)

	again, err := g.store.CompleteLesson(lesson("L1", 40))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	var firstSteps progress.Achievement
	for _, a := range g.store.Achievements() {
		if a.ID == "first_steps" {
			firstSteps = a
		}
	}
	assert.True(t, firstSteps.Unlocked)
}

func TestStore_LoadFailureKeepsBarrierClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.SetFailure(memory.MethodFetchProfile, errors.New("database is down"))

	err := f.store.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.False(t, f.store.Ready())

	require.NoError(t, f.store.StartOffline("user-1"))
	assert.True(t, f.store.Ready())
	assert.True(t, f.store.Degraded())

	result, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	assert.Equal(t, 20, result.TotalXP)
}

func TestStore_BootstrapTimeout(t *testing.T) {
	remote := memory.NewStore()
	remote.SetLatency(500 * time.Millisecond)
	store := NewStore(Deps{
		Remote:     remote,
		Dispatcher: remotesync.NewDispatcher(remote, remotesync.SinkFunc(func(remotesync.Result) {}), remotesync.DefaultConfig()),
	}, Config{BootstrapTimeout: 20 * time.Millisecond})

	start := time.Now()
	err := store.LoadFromRemote(context.Background(), "user-1")
	assert.ErrorIs(t, err, shared.ErrTimeout)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.False(t, store.Ready())
}

func TestStore_SignOutClearsLocalProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.load(t)
	_, err := f.store.CompleteLesson(lesson("L1", 10))
	require.NoError(t, err)
	f.dispatcher.Wait()

	f.identity.signOut()

	assert.False(t, f.store.Ready())
	assert.Equal(t, "", f.store.UserID())
	assert.Equal(t, 0, f.store.Snapshot().TotalXP)

	_, err = f.store.CompleteLesson(lesson("L2", 10))
	assert.ErrorIs(t, err, shared.ErrNotReady)

	remote := f.fetch(t)
	assert.Equal(t, 20, remote.Profile.TotalXP, "sign-out leaves remote data alone")
}

func TestStore_LoadRejectsEmptyUser(t *testing.T) {
	f := newFixture(t, nil)
	f.identity.userID = "  "
	assert.ErrorIs(t, f.store.Load(context.Background()), shared.ErrInvalidID)
}
