package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var (
	now   = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	today = timeutil.DateOf(now, time.UTC)
)

func lesson(id, unit string, xp int) LessonCompletion {
	return LessonCompletion{LessonID: id, UnitID: unit, XP: xp}
}

func findAchievement(t *testing.T, p *Progress, id string) Achievement {
	t.Helper()
	for _, a := range p.Achievements() {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("achievement %s not in catalog", id)
	return Achievement{}
}

func TestCompleteLesson_FirstStepsScenario(t *testing.T) {
	p := Restore(nil, &RemoteProfile{Profile: ProfileUpdate{LastStudyDate: today.AddDays(-1)}})

	change, applied := p.CompleteLesson(lesson("L1", "U1", 10), 0, today, now)
	require.True(t, applied)

	first := findAchievement(t, p, "first_steps")
	snap := p.Snapshot()
	assert.Equal(t, 10+first.RewardXP, snap.TotalXP)
	assert.Equal(t, 1, snap.Streak)
	assert.Equal(t, today, snap.LastStudyDate)
	assert.Equal(t, []string{"L1"}, snap.CompletedLessonIDs())
	assert.Equal(t, 1, snap.UnitProgress["U1"])

	assert.True(t, first.Unlocked)
	require.NotNil(t, first.UnlockedAt)
	assert.Equal(t, now, *first.UnlockedAt)
	require.Len(t, change.Unlocked, 1)
	assert.Equal(t, "first_steps", change.Unlocked[0].ID)
	assert.Equal(t, 10+first.RewardXP, change.XPGained())
	assert.Len(t, change.XPGrants, 2)
	assert.Equal(t, shared.XPSourceAchievement, change.XPGrants[1].Source)
}

func TestCompleteLesson_Idempotent(t *testing.T) {
	p := New(nil)
	_, applied := p.CompleteLesson(lesson("L1", "U1", 40), 0, today, now)
	require.True(t, applied)
	before := p.Snapshot()
	rev := p.Revision()

	change, applied := p.CompleteLesson(lesson("L1", "U1", 40), 0, today, now)
	assert.False(t, applied)
	assert.Zero(t, change.XPGained())
	assert.Equal(t, before, p.Snapshot())
	assert.Equal(t, rev, p.Revision())
	assert.Equal(t, 1, p.Stats().LessonsCompleted)
}

func TestCompleteLesson_StreakCountsCalendarDays(t *testing.T) {
	p := New(nil)

	p.CompleteLesson(lesson("L1", "", 5), 0, today, now)
	p.CompleteLesson(lesson("L2", "", 5), 0, today, now.Add(time.Hour))
	assert.Equal(t, 1, p.Snapshot().Streak, "second lesson on the same day")

	tomorrow := today.AddDays(1)
	change, _ := p.CompleteLesson(lesson("L3", "", 5), 0, tomorrow, now.Add(24*time.Hour))
	assert.Equal(t, 2, p.Snapshot().Streak)
	assert.True(t, change.StreakChanged())
	assert.Equal(t, 2, p.Stats().LongestStreak)
}

func TestCompleteLesson_CompletesUnitOnce(t *testing.T) {
	p := New(nil)

	c1, _ := p.CompleteLesson(lesson("L1", "U1", 0), 2, today, now)
	assert.Empty(t, c1.UnitCompleted)

	c2, _ := p.CompleteLesson(lesson("L2", "U1", 0), 2, today, now)
	assert.Equal(t, "U1", c2.UnitCompleted)
	assert.Equal(t, 1, p.Stats().UnitsCompleted)
	assert.True(t, findAchievement(t, p, "unit_1").Unlocked)
}

func TestCompleteLesson_SessionStats(t *testing.T) {
	p := New(nil)
	p.CompleteQuestion("L1", "Q1", now)
	p.CompleteQuestion("L1", "Q2", now)

	p.CompleteLesson(lesson("L1", "", 0), 0, today, now)
	assert.Equal(t, 2, p.Stats().QuestionsAnswered, "falls back to recorded questions")

	p.CompleteLesson(LessonCompletion{
		LessonID: "L2",
		Session:  SessionStats{QuestionsAnswered: 4, CorrectAnswers: 3, TimeSpent: 90 * time.Second},
	}, 0, today, now)
	stats := p.Stats()
	assert.Equal(t, 6, stats.QuestionsAnswered)
	assert.Equal(t, 3, stats.CorrectAnswers)
	assert.Equal(t, 90*time.Second, stats.TimeSpent)
	assert.InDelta(t, 50.0, stats.Accuracy(), 0.001)
}

func TestCompleteLesson_LevelUp(t *testing.T) {
	p := New([]Achievement{})
	change, _ := p.CompleteLesson(lesson("L1", "", 150), 0, today, now)

	assert.True(t, change.LeveledUp())
	assert.Equal(t, shared.Level(1), change.LevelBefore)
	assert.Equal(t, shared.Level(2), change.LevelAfter)
	assert.Equal(t, shared.Level(2), p.Level())
}

func TestCompleteQuestion_Idempotent(t *testing.T) {
	p := New(nil)

	_, applied := p.CompleteQuestion("L1", "Q1", now)
	assert.True(t, applied)
	_, applied = p.CompleteQuestion("L1", "Q1", now)
	assert.False(t, applied)
	p.CompleteQuestion("L1", "Q2", now)
	p.CompleteQuestion("L2", "Q1", now)

	assert.Equal(t, 2, p.QuestionCount("L1"))
	assert.Equal(t, 1, p.QuestionCount("L2"))
	assert.Equal(t, 0, p.QuestionCount("L3"))
}

func TestUpdateStreak(t *testing.T) {
	cases := []struct {
		name       string
		last       timeutil.Date
		streak     int
		wantStreak int
		applied    bool
	}{
		{"yesterday continues", today.AddDays(-1), 4, 5, true},
		{"two days ago resets", today.AddDays(-2), 4, 1, true},
		{"long ago resets", today.AddDays(-40), 9, 1, true},
		{"today unchanged", today, 4, 4, false},
		{"never studied", timeutil.Date{}, 0, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Restore(nil, &RemoteProfile{Profile: ProfileUpdate{Streak: tc.streak, LastStudyDate: tc.last}})

			_, applied := p.UpdateStreak(today, now)
			assert.Equal(t, tc.applied, applied)
			assert.Equal(t, tc.wantStreak, p.Snapshot().Streak)
			assert.Equal(t, today, p.Snapshot().LastStudyDate)

			_, again := p.UpdateStreak(today, now)
			assert.False(t, again, "second check on the same day")
			assert.Equal(t, tc.wantStreak, p.Snapshot().Streak)
		})
	}
}

func TestUpdateStreak_UnlocksStreakAchievement(t *testing.T) {
	p := Restore(nil, &RemoteProfile{Profile: ProfileUpdate{Streak: 2, LastStudyDate: today.AddDays(-1)}})

	change, _ := p.UpdateStreak(today, now)
	require.Len(t, change.Unlocked, 1)
	assert.Equal(t, "streak_3", change.Unlocked[0].ID)
	assert.Equal(t, 30, p.Snapshot().TotalXP)
}

func TestReset(t *testing.T) {
	p := New(nil)
	for _, id := range []string{"L1", "L2", "L3", "L4", "L5"} {
		p.CompleteLesson(lesson(id, "U1", 30), 0, today, now)
	}
	p.CompleteQuestion("L1", "Q1", now)
	require.NotZero(t, p.Snapshot().TotalXP)
	rev := p.Revision()

	change := p.Reset()

	snap := p.Snapshot()
	assert.Zero(t, snap.TotalXP)
	assert.Zero(t, snap.Streak)
	assert.True(t, snap.LastStudyDate.IsZero())
	assert.Empty(t, snap.CompletedLessons)
	assert.Empty(t, snap.UnitProgress)
	assert.Empty(t, snap.LessonQuestions)
	assert.Equal(t, UserStats{}, p.Stats())
	for _, a := range p.Achievements() {
		assert.False(t, a.Unlocked, a.ID)
		assert.Nil(t, a.UnlockedAt, a.ID)
	}
	assert.Greater(t, change.Revision, rev)
	assert.Equal(t, change.Revision, p.ResetRevision())
	assert.Equal(t, change.Revision, p.ProfileRecord("u1", now).ResetRevision)

	p.CompleteLesson(lesson("L1", "U1", 30), 0, today, now)
	assert.Equal(t, change.Revision, p.ResetRevision(), "later mutations keep the watermark")
}

func TestAchievementsStayUnlocked(t *testing.T) {
	p := New(nil)
	p.CompleteLesson(lesson("L1", "", 0), 0, today, now)
	require.True(t, findAchievement(t, p, "first_steps").Unlocked)

	for i := 0; i < 10; i++ {
		p.CompleteQuestion("L9", string(rune('a'+i)), now)
		p.UpdateStreak(today.AddDays(i+3), now)
		p.CompleteLesson(lesson("L1", "", 0), 0, today, now)
	}
	assert.True(t, findAchievement(t, p, "first_steps").Unlocked)
}

func TestSnapshotIsACopy(t *testing.T) {
	p := New(nil)
	p.CompleteLesson(lesson("L1", "U1", 10), 0, today, now)

	snap := p.Snapshot()
	snap.CompletedLessons["L2"] = struct{}{}
	snap.UnitProgress["U1"] = 99

	assert.False(t, p.HasCompleted("L2"))
	assert.Equal(t, 1, p.Snapshot().UnitProgress["U1"])

	achs := p.Achievements()
	*achs[0].UnlockedAt = time.Time{}
	assert.Equal(t, now, *findAchievement(t, p, "first_steps").UnlockedAt)
}

func TestRestore(t *testing.T) {
	unlocked := now.Add(-48 * time.Hour)
	remote := &RemoteProfile{
		Profile: ProfileUpdate{UserID: "u1", TotalXP: 240, Streak: 3, LastStudyDate: today.AddDays(-1), Revision: 17},
		Completions: []CompletionRecord{
			{LessonID: "L1", UnitID: "U1"},
			{LessonID: "L2", UnitID: "U1"},
			{LessonID: "L2", UnitID: "U1"},
			{LessonID: "L7", UnitID: "U2"},
		},
		Questions:    []QuestionRecord{{LessonID: "L3", QuestionID: "Q1"}},
		Achievements: []AchievementRecord{{AchievementID: "first_steps", UnlockedAt: unlocked, ProgressValue: 1}, {AchievementID: "retired"}},
		Stats:        &StatsRecord{LessonsCompleted: 2, QuestionsAnswered: 12, TimeSpentSeconds: 600, LongestStreak: 8, UnitsCompleted: 1, Revision: 19},
	}

	p := Restore(nil, remote)
	snap := p.Snapshot()

	assert.Equal(t, 240, snap.TotalXP)
	assert.Equal(t, 3, snap.Streak)
	assert.Equal(t, []string{"L1", "L2", "L7"}, snap.CompletedLessonIDs())
	assert.Equal(t, map[string]int{"U1": 2, "U2": 1}, snap.UnitProgress)
	assert.Equal(t, 1, p.QuestionCount("L3"))
	assert.Equal(t, int64(19), p.Revision())

	stats := p.Stats()
	assert.Equal(t, 3, stats.LessonsCompleted)
	assert.Equal(t, 3, stats.CurrentStreak)
	assert.Equal(t, 8, stats.LongestStreak)
	assert.Equal(t, 10*time.Minute, stats.TimeSpent)

	first := findAchievement(t, p, "first_steps")
	assert.True(t, first.Unlocked)
	assert.Equal(t, unlocked, *first.UnlockedAt)
}

func TestRestore_DropsRecordsClearedByReset(t *testing.T) {
	remote := &RemoteProfile{
		Profile: ProfileUpdate{UserID: "u1", TotalXP: 20, Streak: 1, LastStudyDate: today, Revision: 6, ResetRevision: 4},
		Completions: []CompletionRecord{
			{LessonID: "L1", UnitID: "U1", Revision: 2},
			{LessonID: "L2", UnitID: "U1", Revision: 5},
		},
		Questions: []QuestionRecord{
			{LessonID: "L1", QuestionID: "Q1", Revision: 3},
			{LessonID: "L2", QuestionID: "Q1", Revision: 5},
		},
		Achievements: []AchievementRecord{{AchievementID: "first_steps", UnlockedAt: now, ProgressValue: 1, Revision: 2}},
		Stats:        &StatsRecord{LessonsCompleted: 4, Revision: 3},
	}

	p := Restore(nil, remote)

	restored := p.Snapshot()
	assert.Equal(t, []string{"L2"}, restored.CompletedLessonIDs())
	assert.Zero(t, p.QuestionCount("L1"))
	assert.Equal(t, 1, p.QuestionCount("L2"))
	assert.False(t, findAchievement(t, p, "first_steps").Unlocked)
	assert.Equal(t, 1, p.Stats().LessonsCompleted, "cleared stats row ignored, recounted from completions")
	assert.Equal(t, int64(4), p.ResetRevision())
	assert.Equal(t, int64(6), p.Revision())
}

func TestProfileUpdate_ClearedBy(t *testing.T) {
	never := ProfileUpdate{}
	assert.False(t, never.ClearedBy(0))

	reset := ProfileUpdate{ResetRevision: 4}
	assert.True(t, reset.ClearedBy(0))
	assert.True(t, reset.ClearedBy(4))
	assert.False(t, reset.ClearedBy(5))
}

func TestRecords(t *testing.T) {
	p := New(nil)
	in := LessonCompletion{LessonID: "L1", UnitID: "U1", XP: 10, Session: SessionStats{QuestionsAnswered: 3, TimeSpent: 61 * time.Second}}
	p.CompleteLesson(in, 0, today, now)

	profile := p.ProfileRecord("u1", now)
	assert.Equal(t, ProfileUpdate{UserID: "u1", TotalXP: 20, Streak: 1, LastStudyDate: today, Revision: 1, UpdatedAt: now}, profile)

	stats := p.StatsRecord("u1", now)
	assert.Equal(t, int64(61), stats.TimeSpentSeconds)
	assert.Equal(t, int64(1), stats.Revision)

	completion := NewCompletionRecord("u1", in, now)
	assert.Equal(t, "U1", completion.UnitID)
	assert.Equal(t, int64(61), completion.TimeSpentSeconds)

	rec := NewAchievementRecord("u1", findAchievement(t, p, "first_steps"))
	assert.Equal(t, now, rec.UnlockedAt)
	assert.Equal(t, 1, rec.ProgressValue)
}
