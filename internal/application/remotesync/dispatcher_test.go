package remotesync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

type collectingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *collectingSink) Record(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *collectingSink) byOp() map[Op]Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Op]Result, len(s.results))
	for _, r := range s.results {
		out[r.Write.Op] = r
	}
	return out
}

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func lessonWrites(userID string) []Write {
	return []Write{
		ProfileWrite(progress.ProfileUpdate{UserID: userID, TotalXP: 20, Streak: 1, Revision: 1, UpdatedAt: now}),
		CompletionWrite(progress.CompletionRecord{UserID: userID, LessonID: "L1", XPEarned: 10, CompletedAt: now}, 1),
		StatsWrite(progress.StatsRecord{UserID: userID, LessonsCompleted: 1, Revision: 1}),
		AchievementWrite(progress.AchievementRecord{UserID: userID, AchievementID: "first_steps", UnlockedAt: now}, 1),
	}
}

func TestDispatcher_WritesAreIndependent(t *testing.T) {
	store := memory.NewStore()
	store.SetFailure(memory.MethodUpsertStats, errors.New("stats table locked"))
	sink := &collectingSink{}
	d := NewDispatcher(store, sink, DefaultConfig())

	d.Dispatch(lessonWrites("u1")...)
	d.Wait()

	results := sink.byOp()
	require.Len(t, results, 4)
	assert.NoError(t, results[OpUpdateProfile].Err)
	assert.NoError(t, results[OpAppendCompletion].Err)
	assert.NoError(t, results[OpUpsertAchievement].Err)
	assert.EqualError(t, results[OpUpsertStats].Err, "stats table locked")

	profile, err := store.FetchProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, profile.Profile.TotalXP)
	assert.Len(t, profile.Completions, 1)
	assert.Len(t, profile.Achievements, 1)
	assert.Nil(t, profile.Stats)
}

func TestDispatcher_DispatchDoesNotBlock(t *testing.T) {
	store := memory.NewStore()
	store.SetLatency(200 * time.Millisecond)
	d := NewDispatcher(store, &collectingSink{}, Config{WriteTimeout: time.Second, MaxInFlight: 1})

	start := time.Now()
	d.Dispatch(lessonWrites("u1")...)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	d.Wait()
}

func TestDispatcher_TimeoutFailsWrite(t *testing.T) {
	store := memory.NewStore()
	store.SetLatency(time.Second)
	sink := &collectingSink{}
	d := NewDispatcher(store, sink, Config{WriteTimeout: 20 * time.Millisecond})

	d.Dispatch(ProfileWrite(progress.ProfileUpdate{UserID: "u1", Revision: 1}))
	d.Wait()

	res := sink.byOp()[OpUpdateProfile]
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.False(t, res.OK())
}

func TestDispatcher_StaleRevisionIsSettled(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.UpdateProfile(context.Background(), progress.ProfileUpdate{UserID: "u1", TotalXP: 90, Revision: 7}))
	sink := &collectingSink{}
	d := NewDispatcher(store, sink, DefaultConfig())

	// A degraded session counts revisions from zero again.
	d.Dispatch(ProfileWrite(progress.ProfileUpdate{UserID: "u1", TotalXP: 20, Revision: 1}))
	d.Wait()

	res := sink.byOp()[OpUpdateProfile]
	assert.True(t, res.Stale)
	assert.NoError(t, res.Err)
	assert.True(t, res.OK())

	profile, err := store.FetchProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 90, profile.Profile.TotalXP)
}

func TestLogSink_WarnsOnStaleWrite(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Record(Result{Write: StatsWrite(progress.StatsRecord{UserID: "u1", Revision: 2}), Stale: true})

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "remote write rejected as stale")
	assert.Contains(t, buf.String(), "revision=2")
}

func TestWrite_StampsRecordRevision(t *testing.T) {
	w := AchievementWrite(progress.AchievementRecord{UserID: "u1", AchievementID: "first_steps"}, 5)
	rec, ok := w.Payload.(progress.AchievementRecord)
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.Revision)

	c := CompletionWrite(progress.CompletionRecord{UserID: "u1", LessonID: "L1"}, 6)
	assert.Equal(t, int64(6), c.Payload.(progress.CompletionRecord).Revision)
}

func TestDispatcher_ClosedRecordsFailure(t *testing.T) {
	sink := &collectingSink{}
	d := NewDispatcher(memory.NewStore(), sink, DefaultConfig())
	require.NoError(t, d.Close(context.Background()))

	d.Dispatch(ResetWrites("u1", 3)...)

	require.Len(t, sink.results, 4)
	for _, r := range sink.results {
		assert.ErrorIs(t, r.Err, ErrDispatcherClosed)
	}
}

func TestDispatcher_PayloadMismatch(t *testing.T) {
	d := NewDispatcher(memory.NewStore(), nil, DefaultConfig())

	res := d.Execute(context.Background(), Write{Op: OpUpsertStats, UserID: "u1", Payload: "nope"})
	assert.ErrorIs(t, res.Err, ErrPayloadMismatch)

	res = d.Execute(context.Background(), Write{Op: "bogus", UserID: "u1"})
	assert.ErrorIs(t, res.Err, ErrUnknownOp)
}

func TestWriteKeys(t *testing.T) {
	writes := lessonWrites("u1")
	assert.Equal(t, "profile.update/u1/", writes[0].Key())
	assert.Equal(t, "completion.append/u1/L1", writes[1].Key())
	assert.Equal(t, "achievement.upsert/u1/first_steps", writes[3].Key())

	q := QuestionWrite(progress.QuestionRecord{UserID: "u1", LessonID: "L1", QuestionID: "Q2"}, 4)
	assert.Equal(t, "question.add/u1/L1:Q2", q.Key())
	assert.Equal(t, []Op{OpAppendCompletion}, OpDeleteCompletions.Supersedes())
	assert.Nil(t, OpUpdateProfile.Supersedes())
}

func TestLogSink(t *testing.T) {
	// Must not panic on either branch.
	sink := NewLogSink(nil)
	sink.Record(Result{Write: lessonWrites("u1")[0]})
	sink.Record(Result{Write: lessonWrites("u1")[0], Err: errors.New("down")})

	var seen []Op
	MultiSink{SinkFunc(func(r Result) { seen = append(seen, r.Write.Op) }), nil}.Record(Result{Write: Write{Op: OpDeleteStats}})
	assert.Equal(t, []Op{OpDeleteStats}, seen)
}
