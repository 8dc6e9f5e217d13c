package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ProfileStore implements progress.RemoteStore on PostgreSQL. Profile and stats
// rows keep the highest revision written; history rows are insert-if-absent.
// Every row carries the revision that wrote it, compared against the profile's
// reset watermark.
type ProfileStore struct {
	conn *Connection
}

var _ progress.RemoteStore = (*ProfileStore)(nil)

// NewProfileStore creates a new ProfileStore.
func NewProfileStore(conn *Connection) *ProfileStore {
	return &ProfileStore{conn: conn}
}

// ══════════════════════════════════════════════════════════════════════════════
// READ
// ══════════════════════════════════════════════════════════════════════════════

// FetchProfile loads everything stored for userID. The profile row decides
// whether the user exists; history tables are read in parallel afterwards.
func (s *ProfileStore) FetchProfile(ctx context.Context, userID string) (*progress.RemoteProfile, error) {
	out := &progress.RemoteProfile{}

	var lastStudy *time.Time
	err := s.conn.QueryRow(ctx, `
		SELECT user_id, total_xp, streak, last_study_date, revision, reset_revision, updated_at
		FROM profiles
		WHERE user_id = $1
	`, userID).Scan(
		&out.Profile.UserID,
		&out.Profile.TotalXP,
		&out.Profile.Streak,
		&lastStudy,
		&out.Profile.Revision,
		&out.Profile.ResetRevision,
		&out.Profile.UpdatedAt,
	)
	if IsNoRows(err) {
		return nil, shared.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if lastStudy != nil {
		out.Profile.LastStudyDate = timeutil.DateOf(*lastStudy, time.UTC)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Completions, err = s.completions(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		out.Questions, err = s.questions(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		out.Achievements, err = s.achievements(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		out.Stats, err = s.stats(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProfileStore) completions(ctx context.Context, userID string) ([]progress.CompletionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT lesson_id, unit_id, xp_earned, questions_answered, correct_answers,
		       time_spent_seconds, completed_at, revision
		FROM lesson_completions
		WHERE user_id = $1
		ORDER BY completed_at, lesson_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var out []progress.CompletionRecord
	for rows.Next() {
		rec := progress.CompletionRecord{UserID: userID}
		if err := rows.Scan(
			&rec.LessonID, &rec.UnitID, &rec.XPEarned, &rec.QuestionsAnswered,
			&rec.CorrectAnswers, &rec.TimeSpentSeconds, &rec.CompletedAt, &rec.Revision,
		); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ProfileStore) questions(ctx context.Context, userID string) ([]progress.QuestionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT lesson_id, question_id, answered_at, revision
		FROM question_progress
		WHERE user_id = $1
		ORDER BY answered_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var out []progress.QuestionRecord
	for rows.Next() {
		rec := progress.QuestionRecord{UserID: userID}
		if err := rows.Scan(&rec.LessonID, &rec.QuestionID, &rec.AnsweredAt, &rec.Revision); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ProfileStore) achievements(ctx context.Context, userID string) ([]progress.AchievementRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT achievement_id, unlocked_at, progress_value, revision
		FROM user_achievements
		WHERE user_id = $1
		ORDER BY achievement_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievements: %w", err)
	}
	defer rows.Close()

	var out []progress.AchievementRecord
	for rows.Next() {
		rec := progress.AchievementRecord{UserID: userID}
		if err := rows.Scan(&rec.AchievementID, &rec.UnlockedAt, &rec.ProgressValue, &rec.Revision); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ProfileStore) stats(ctx context.Context, userID string) (*progress.StatsRecord, error) {
	rec := progress.StatsRecord{UserID: userID}
	err := s.conn.QueryRow(ctx, `
		SELECT lessons_completed, questions_answered, correct_answers, time_spent_seconds,
		       current_streak, longest_streak, units_completed, revision, updated_at
		FROM user_stats
		WHERE user_id = $1
	`, userID).Scan(
		&rec.LessonsCompleted, &rec.QuestionsAnswered, &rec.CorrectAnswers, &rec.TimeSpentSeconds,
		&rec.CurrentStreak, &rec.LongestStreak, &rec.UnitsCompleted, &rec.Revision, &rec.UpdatedAt,
	)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &rec, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE
// ══════════════════════════════════════════════════════════════════════════════

// UpdateProfile upserts the profile unless a newer revision is stored. The
// reset watermark never moves backwards.
func (s *ProfileStore) UpdateProfile(ctx context.Context, u progress.ProfileUpdate) error {
	var lastStudy *time.Time
	if !u.LastStudyDate.IsZero() {
		t := u.LastStudyDate.Time(time.UTC)
		lastStudy = &t
	}
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO profiles (user_id, total_xp, streak, last_study_date, revision, reset_revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			total_xp = EXCLUDED.total_xp,
			streak = EXCLUDED.streak,
			last_study_date = EXCLUDED.last_study_date,
			revision = EXCLUDED.revision,
			reset_revision = GREATEST(profiles.reset_revision, EXCLUDED.reset_revision),
			updated_at = EXCLUDED.updated_at
		WHERE profiles.revision <= EXCLUDED.revision
	`, u.UserID, u.TotalXP, u.Streak, lastStudy, u.Revision, u.ResetRevision, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrStaleRevision
	}
	return nil
}

// notCleared is appended to history inserts: the row is written only while
// its revision is above the user's reset watermark. $1 is the user, $2 the
// record's revision.
const notCleared = `
		WHERE NOT EXISTS (
			SELECT 1 FROM profiles
			WHERE profiles.user_id = $1 AND profiles.reset_revision > 0 AND profiles.reset_revision >= $2
		)`

// clearedRow is true when the existing row in table predates the user's last
// reset. $1 is the user.
func clearedRow(table string) string {
	return `EXISTS (
			SELECT 1 FROM profiles
			WHERE profiles.user_id = $1 AND profiles.reset_revision > 0
			  AND ` + table + `.revision <= profiles.reset_revision
		)`
}

// AppendCompletion inserts the completion if the lesson is not recorded yet.
// A row left over from before the last reset is replaced.
func (s *ProfileStore) AppendCompletion(ctx context.Context, rec progress.CompletionRecord) error {
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO lesson_completions (
			user_id, revision, lesson_id, unit_id, xp_earned, questions_answered,
			correct_answers, time_spent_seconds, completed_at
		)
		SELECT $1::text, $2::bigint, $3::text, $4::text, $5::int, $6::int, $7::int, $8::bigint, $9::timestamptz
	`+notCleared+`
		ON CONFLICT (user_id, lesson_id) DO UPDATE SET
			revision = EXCLUDED.revision,
			unit_id = EXCLUDED.unit_id,
			xp_earned = EXCLUDED.xp_earned,
			questions_answered = EXCLUDED.questions_answered,
			correct_answers = EXCLUDED.correct_answers,
			time_spent_seconds = EXCLUDED.time_spent_seconds,
			completed_at = EXCLUDED.completed_at
		WHERE lesson_completions.revision < EXCLUDED.revision
		  AND `+clearedRow("lesson_completions")+`
	`, rec.UserID, rec.Revision, rec.LessonID, rec.UnitID, rec.XPEarned, rec.QuestionsAnswered,
		rec.CorrectAnswers, rec.TimeSpentSeconds, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to append completion: %w", err)
	}
	return s.checkCleared(ctx, tag, rec.UserID, rec.Revision)
}

// AddQuestion inserts the answered question if absent. A row left over from
// before the last reset is replaced.
func (s *ProfileStore) AddQuestion(ctx context.Context, rec progress.QuestionRecord) error {
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO question_progress (user_id, revision, lesson_id, question_id, answered_at)
		SELECT $1::text, $2::bigint, $3::text, $4::text, $5::timestamptz
	`+notCleared+`
		ON CONFLICT (user_id, lesson_id, question_id) DO UPDATE SET
			revision = EXCLUDED.revision,
			answered_at = EXCLUDED.answered_at
		WHERE question_progress.revision < EXCLUDED.revision
		  AND `+clearedRow("question_progress")+`
	`, rec.UserID, rec.Revision, rec.LessonID, rec.QuestionID, rec.AnsweredAt)
	if err != nil {
		return fmt.Errorf("failed to add question: %w", err)
	}
	return s.checkCleared(ctx, tag, rec.UserID, rec.Revision)
}

// UpsertStats upserts the aggregate unless a newer revision is stored or the
// record predates the user's last reset.
func (s *ProfileStore) UpsertStats(ctx context.Context, rec progress.StatsRecord) error {
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO user_stats (
			user_id, revision, lessons_completed, questions_answered, correct_answers,
			time_spent_seconds, current_streak, longest_streak, units_completed, updated_at
		)
		SELECT $1::text, $2::bigint, $3::int, $4::int, $5::int, $6::bigint, $7::int, $8::int, $9::int, $10::timestamptz
	`+notCleared+`
		ON CONFLICT (user_id) DO UPDATE SET
			lessons_completed = EXCLUDED.lessons_completed,
			questions_answered = EXCLUDED.questions_answered,
			correct_answers = EXCLUDED.correct_answers,
			time_spent_seconds = EXCLUDED.time_spent_seconds,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			units_completed = EXCLUDED.units_completed,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at
		WHERE user_stats.revision <= EXCLUDED.revision
	`, rec.UserID, rec.Revision, rec.LessonsCompleted, rec.QuestionsAnswered, rec.CorrectAnswers,
		rec.TimeSpentSeconds, rec.CurrentStreak, rec.LongestStreak, rec.UnitsCompleted, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrStaleRevision
	}
	return nil
}

// UpsertAchievement stores the unlock; the first unlock time since the last
// reset is kept.
func (s *ProfileStore) UpsertAchievement(ctx context.Context, rec progress.AchievementRecord) error {
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO user_achievements (user_id, revision, achievement_id, unlocked_at, progress_value)
		SELECT $1::text, $2::bigint, $3::text, $4::timestamptz, $5::int
	`+notCleared+`
		ON CONFLICT (user_id, achievement_id) DO UPDATE SET
			unlocked_at = CASE
				WHEN `+clearedRow("user_achievements")+` THEN EXCLUDED.unlocked_at
				ELSE user_achievements.unlocked_at
			END,
			progress_value = EXCLUDED.progress_value,
			revision = GREATEST(user_achievements.revision, EXCLUDED.revision)
	`, rec.UserID, rec.Revision, rec.AchievementID, rec.UnlockedAt, rec.ProgressValue)
	if err != nil {
		return fmt.Errorf("failed to upsert achievement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrStaleRevision
	}
	return nil
}

// checkCleared tells an insert skipped by the reset watermark apart from one
// skipped because the row already exists.
func (s *ProfileStore) checkCleared(ctx context.Context, tag pgconn.CommandTag, userID string, revision int64) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var cleared bool
	err := s.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM profiles
			WHERE user_id = $1 AND reset_revision > 0 AND reset_revision >= $2
		)
	`, userID, revision).Scan(&cleared)
	if err != nil {
		return fmt.Errorf("failed to check reset watermark: %w", err)
	}
	if cleared {
		return shared.ErrStaleRevision
	}
	return nil
}

// DeleteCompletions implements progress.RemoteStore.
func (s *ProfileStore) DeleteCompletions(ctx context.Context, userID string, upTo int64) error {
	return s.deleteUpTo(ctx, "lesson_completions", userID, upTo)
}

// DeleteQuestions implements progress.RemoteStore.
func (s *ProfileStore) DeleteQuestions(ctx context.Context, userID string, upTo int64) error {
	return s.deleteUpTo(ctx, "question_progress", userID, upTo)
}

// DeleteAchievements implements progress.RemoteStore.
func (s *ProfileStore) DeleteAchievements(ctx context.Context, userID string, upTo int64) error {
	return s.deleteUpTo(ctx, "user_achievements", userID, upTo)
}

// DeleteStats implements progress.RemoteStore.
func (s *ProfileStore) DeleteStats(ctx context.Context, userID string, upTo int64) error {
	return s.deleteUpTo(ctx, "user_stats", userID, upTo)
}

// deleteUpTo removes userID's rows at or below upTo from one of the fixed tables above.
func (s *ProfileStore) deleteUpTo(ctx context.Context, table, userID string, upTo int64) error {
	if _, err := s.conn.Exec(ctx, "DELETE FROM "+table+" WHERE user_id = $1 AND revision <= $2", userID, upTo); err != nil {
		return fmt.Errorf("failed to delete %s: %w", table, err)
	}
	return nil
}

// TopProfiles returns the highest-XP profiles. Used to rebuild the leaderboard cache.
func (s *ProfileStore) TopProfiles(ctx context.Context, limit int) ([]progress.ProfileUpdate, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT user_id, total_xp, streak, revision, updated_at
		FROM profiles
		ORDER BY total_xp DESC, user_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top profiles: %w", err)
	}
	defer rows.Close()

	var out []progress.ProfileUpdate
	for rows.Next() {
		var p progress.ProfileUpdate
		if err := rows.Scan(&p.UserID, &p.TotalXP, &p.Streak, &p.Revision, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
