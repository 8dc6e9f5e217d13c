package progress

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REMOTE PROFILE STORE (port)
// ══════════════════════════════════════════════════════════════════════════════

// ProfileUpdate carries the profile fields keyed by user. Revision orders
// writes: the store keeps the highest revision it has seen. ResetRevision is
// the revision of the user's last reset; records at or below it are history
// that the reset cleared.
type ProfileUpdate struct {
	UserID        string        `json:"user_id"`
	TotalXP       int           `json:"total_xp"`
	Streak        int           `json:"streak"`
	LastStudyDate timeutil.Date `json:"last_study_date"`
	Revision      int64         `json:"revision"`
	ResetRevision int64         `json:"reset_revision"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ClearedBy reports whether a record written at revision predates the
// profile's last reset.
func (u ProfileUpdate) ClearedBy(revision int64) bool {
	return u.ResetRevision > 0 && revision <= u.ResetRevision
}

// CompletionRecord is an append-only lesson completion keyed by (user, lesson).
type CompletionRecord struct {
	UserID            string    `json:"user_id"`
	LessonID          string    `json:"lesson_id"`
	UnitID            string    `json:"unit_id"`
	XPEarned          int       `json:"xp_earned"`
	QuestionsAnswered int       `json:"questions_answered"`
	CorrectAnswers    int       `json:"correct_answers"`
	TimeSpentSeconds  int64     `json:"time_spent_seconds"`
	CompletedAt       time.Time `json:"completed_at"`
	Revision          int64     `json:"revision"`
}

// QuestionRecord is an insert-if-absent answered question keyed by (user, lesson, question).
type QuestionRecord struct {
	UserID     string    `json:"user_id"`
	LessonID   string    `json:"lesson_id"`
	QuestionID string    `json:"question_id"`
	AnsweredAt time.Time `json:"answered_at"`
	Revision   int64     `json:"revision"`
}

// StatsRecord is the upsertable aggregate keyed by user.
type StatsRecord struct {
	UserID            string    `json:"user_id"`
	LessonsCompleted  int       `json:"lessons_completed"`
	QuestionsAnswered int       `json:"questions_answered"`
	CorrectAnswers    int       `json:"correct_answers"`
	TimeSpentSeconds  int64     `json:"time_spent_seconds"`
	CurrentStreak     int       `json:"current_streak"`
	LongestStreak     int       `json:"longest_streak"`
	UnitsCompleted    int       `json:"units_completed"`
	Revision          int64     `json:"revision"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AchievementRecord is the upsertable unlock keyed by (user, achievement).
type AchievementRecord struct {
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
	ProgressValue int       `json:"progress_value"`
	Revision      int64     `json:"revision"`
}

// RemoteProfile is everything the remote store knows about a user.
type RemoteProfile struct {
	Profile      ProfileUpdate
	Completions  []CompletionRecord
	Questions    []QuestionRecord
	Achievements []AchievementRecord
	Stats        *StatsRecord
}

// RemoteStore is the remote profile store. Every write is idempotent by its
// natural key so it can be replayed.
//
// Writes return shared.ErrStaleRevision when the store already holds a newer
// revision or the record predates the user's last reset. Deletes remove only
// rows written at or below upTo, so history recorded after a reset survives
// a late delete.
type RemoteStore interface {
	// FetchProfile returns shared.ErrProfileNotFound for unknown users.
	FetchProfile(ctx context.Context, userID string) (*RemoteProfile, error)

	UpdateProfile(ctx context.Context, update ProfileUpdate) error
	AppendCompletion(ctx context.Context, rec CompletionRecord) error
	AddQuestion(ctx context.Context, rec QuestionRecord) error
	UpsertStats(ctx context.Context, rec StatsRecord) error
	UpsertAchievement(ctx context.Context, rec AchievementRecord) error

	DeleteCompletions(ctx context.Context, userID string, upTo int64) error
	DeleteQuestions(ctx context.Context, userID string, upTo int64) error
	DeleteAchievements(ctx context.Context, userID string, upTo int64) error
	DeleteStats(ctx context.Context, userID string, upTo int64) error
}

// ──────────────────────────────────────────────────────────────────────────────
// Conversions
// ──────────────────────────────────────────────────────────────────────────────

// Restore rebuilds progress from a remote profile. Remote values overwrite
// everything; achievements missing from catalog are ignored, and so are
// records written before the profile's last reset.
func Restore(catalog []Achievement, remote *RemoteProfile) *Progress {
	p := New(catalog)
	if remote == nil {
		return p
	}

	profile := remote.Profile
	p.snapshot.TotalXP = profile.TotalXP
	p.snapshot.Streak = profile.Streak
	p.snapshot.LastStudyDate = profile.LastStudyDate
	p.revision = profile.Revision
	p.resetRevision = profile.ResetRevision

	for _, c := range remote.Completions {
		if profile.ClearedBy(c.Revision) || p.snapshot.HasCompleted(c.LessonID) {
			continue
		}
		p.snapshot.CompletedLessons[c.LessonID] = struct{}{}
		if c.UnitID != "" {
			p.snapshot.UnitProgress[c.UnitID]++
		}
	}
	for _, q := range remote.Questions {
		if profile.ClearedBy(q.Revision) {
			continue
		}
		p.snapshot.markQuestion(q.LessonID, q.QuestionID)
	}

	index := make(map[string]int, len(p.achievements))
	for i, a := range p.achievements {
		index[a.ID] = i
	}
	for _, rec := range remote.Achievements {
		i, ok := index[rec.AchievementID]
		if !ok || profile.ClearedBy(rec.Revision) {
			continue
		}
		at := rec.UnlockedAt
		p.achievements[i].Unlocked = true
		p.achievements[i].UnlockedAt = &at
		p.achievements[i].ProgressValue = rec.ProgressValue
	}

	if s := remote.Stats; s != nil && !profile.ClearedBy(s.Revision) {
		p.stats = UserStats{
			LessonsCompleted:  s.LessonsCompleted,
			QuestionsAnswered: s.QuestionsAnswered,
			CorrectAnswers:    s.CorrectAnswers,
			TimeSpent:         time.Duration(s.TimeSpentSeconds) * time.Second,
			CurrentStreak:     s.CurrentStreak,
			LongestStreak:     s.LongestStreak,
			UnitsCompleted:    s.UnitsCompleted,
		}
		if s.Revision > p.revision {
			p.revision = s.Revision
		}
	}
	if n := p.snapshot.LessonsCompleted(); n > p.stats.LessonsCompleted {
		p.stats.LessonsCompleted = n
	}
	p.stats.observeStreak(p.snapshot.Streak)
	return p
}

// ProfileRecord builds the profile write for the current state.
func (p *Progress) ProfileRecord(userID string, now time.Time) ProfileUpdate {
	return ProfileUpdate{
		UserID:        userID,
		TotalXP:       p.snapshot.TotalXP,
		Streak:        p.snapshot.Streak,
		LastStudyDate: p.snapshot.LastStudyDate,
		Revision:      p.revision,
		ResetRevision: p.resetRevision,
		UpdatedAt:     now,
	}
}

// StatsRecord builds the stats write for the current state.
func (p *Progress) StatsRecord(userID string, now time.Time) StatsRecord {
	return StatsRecord{
		UserID:            userID,
		LessonsCompleted:  p.stats.LessonsCompleted,
		QuestionsAnswered: p.stats.QuestionsAnswered,
		CorrectAnswers:    p.stats.CorrectAnswers,
		TimeSpentSeconds:  int64(p.stats.TimeSpent / time.Second),
		CurrentStreak:     p.stats.CurrentStreak,
		LongestStreak:     p.stats.LongestStreak,
		UnitsCompleted:    p.stats.UnitsCompleted,
		Revision:          p.revision,
		UpdatedAt:         now,
	}
}

// NewAchievementRecord builds the unlock write for a.
func NewAchievementRecord(userID string, a Achievement) AchievementRecord {
	rec := AchievementRecord{
		UserID:        userID,
		AchievementID: a.ID,
		ProgressValue: a.ProgressValue,
	}
	if a.UnlockedAt != nil {
		rec.UnlockedAt = *a.UnlockedAt
	}
	return rec
}

// NewCompletionRecord builds the completion write for in.
func NewCompletionRecord(userID string, in LessonCompletion, now time.Time) CompletionRecord {
	return CompletionRecord{
		UserID:            userID,
		LessonID:          in.LessonID,
		UnitID:            in.UnitID,
		XPEarned:          in.XP,
		QuestionsAnswered: in.Session.QuestionsAnswered,
		CorrectAnswers:    in.Session.CorrectAnswers,
		TimeSpentSeconds:  int64(in.Session.TimeSpent / time.Second),
		CompletedAt:       now,
	}
}
