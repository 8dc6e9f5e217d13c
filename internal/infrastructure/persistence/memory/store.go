// Package memory provides an in-process RemoteStore. It backs the engine when no
// database is configured and mirrors the PostgreSQL store's key and revision rules.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Method names accepted by SetFailure and Calls.
const (
	MethodFetchProfile       = "FetchProfile"
	MethodUpdateProfile      = "UpdateProfile"
	MethodAppendCompletion   = "AppendCompletion"
	MethodAddQuestion        = "AddQuestion"
	MethodUpsertStats        = "UpsertStats"
	MethodUpsertAchievement  = "UpsertAchievement"
	MethodDeleteCompletions  = "DeleteCompletions"
	MethodDeleteQuestions    = "DeleteQuestions"
	MethodDeleteAchievements = "DeleteAchievements"
	MethodDeleteStats        = "DeleteStats"
)

type userData struct {
	profile      *progress.ProfileUpdate
	completions  map[string]progress.CompletionRecord
	order        []string
	questions    map[string]progress.QuestionRecord
	achievements map[string]progress.AchievementRecord
	stats        *progress.StatsRecord
}

// Store is a goroutine-safe in-memory RemoteStore.
type Store struct {
	mu       sync.Mutex
	users    map[string]*userData
	failures map[string]error
	calls    map[string]int
	latency  time.Duration
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]*userData),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetFailure makes every call of method return err until cleared with a nil err.
func (s *Store) SetFailure(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// SetLatency delays every call by d, or until the context is done.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// enter records the call, applies latency and returns the injected failure.
func (s *Store) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	latency := s.latency
	failure := s.failures[method]
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return failure
}

func (s *Store) user(id string) *userData {
	u, ok := s.users[id]
	if !ok {
		u = &userData{
			completions:  make(map[string]progress.CompletionRecord),
			questions:    make(map[string]progress.QuestionRecord),
			achievements: make(map[string]progress.AchievementRecord),
		}
		s.users[id] = u
	}
	return u
}

// FetchProfile implements progress.RemoteStore.
func (s *Store) FetchProfile(ctx context.Context, userID string) (*progress.RemoteProfile, error) {
	if err := s.enter(ctx, MethodFetchProfile); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.profile == nil {
		return nil, shared.ErrProfileNotFound
	}

	out := &progress.RemoteProfile{Profile: *u.profile}
	for _, lessonID := range u.order {
		out.Completions = append(out.Completions, u.completions[lessonID])
	}
	for _, q := range u.questions {
		out.Questions = append(out.Questions, q)
	}
	sort.Slice(out.Questions, func(i, j int) bool {
		return out.Questions[i].AnsweredAt.Before(out.Questions[j].AnsweredAt)
	})
	for _, a := range u.achievements {
		out.Achievements = append(out.Achievements, a)
	}
	sort.Slice(out.Achievements, func(i, j int) bool {
		return out.Achievements[i].AchievementID < out.Achievements[j].AchievementID
	})
	if u.stats != nil {
		stats := *u.stats
		out.Stats = &stats
	}
	return out, nil
}

// UpdateProfile keeps the update with the highest revision. The reset
// watermark never moves backwards.
func (s *Store) UpdateProfile(ctx context.Context, update progress.ProfileUpdate) error {
	if err := s.enter(ctx, MethodUpdateProfile); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(update.UserID)
	if u.profile != nil {
		if u.profile.Revision > update.Revision {
			return shared.ErrStaleRevision
		}
		if u.profile.ResetRevision > update.ResetRevision {
			update.ResetRevision = u.profile.ResetRevision
		}
	}
	u.profile = &update
	return nil
}

// cleared reports whether a record at revision predates the user's last reset.
func (u *userData) cleared(revision int64) bool {
	return u.profile != nil && u.profile.ClearedBy(revision)
}

// AppendCompletion inserts the record if (user, lesson) is absent or only
// present from before the last reset.
func (s *Store) AppendCompletion(ctx context.Context, rec progress.CompletionRecord) error {
	if err := s.enter(ctx, MethodAppendCompletion); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(rec.UserID)
	if u.cleared(rec.Revision) {
		return shared.ErrStaleRevision
	}
	existing, ok := u.completions[rec.LessonID]
	if ok && !u.cleared(existing.Revision) {
		return nil
	}
	u.completions[rec.LessonID] = rec
	if !ok {
		u.order = append(u.order, rec.LessonID)
	}
	return nil
}

// AddQuestion inserts the record if (user, lesson, question) is absent or only
// present from before the last reset.
func (s *Store) AddQuestion(ctx context.Context, rec progress.QuestionRecord) error {
	if err := s.enter(ctx, MethodAddQuestion); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(rec.UserID)
	if u.cleared(rec.Revision) {
		return shared.ErrStaleRevision
	}
	key := rec.LessonID + ":" + rec.QuestionID
	if existing, ok := u.questions[key]; !ok || u.cleared(existing.Revision) {
		u.questions[key] = rec
	}
	return nil
}

// UpsertStats keeps the record with the highest revision.
func (s *Store) UpsertStats(ctx context.Context, rec progress.StatsRecord) error {
	if err := s.enter(ctx, MethodUpsertStats); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(rec.UserID)
	if u.cleared(rec.Revision) || (u.stats != nil && u.stats.Revision > rec.Revision) {
		return shared.ErrStaleRevision
	}
	u.stats = &rec
	return nil
}

// UpsertAchievement stores the unlock keyed by (user, achievement).
func (s *Store) UpsertAchievement(ctx context.Context, rec progress.AchievementRecord) error {
	if err := s.enter(ctx, MethodUpsertAchievement); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(rec.UserID)
	if u.cleared(rec.Revision) {
		return shared.ErrStaleRevision
	}
	if existing, ok := u.achievements[rec.AchievementID]; ok && !u.cleared(existing.Revision) {
		if !existing.UnlockedAt.IsZero() {
			rec.UnlockedAt = existing.UnlockedAt
		}
		if existing.Revision > rec.Revision {
			rec.Revision = existing.Revision
		}
	}
	u.achievements[rec.AchievementID] = rec
	return nil
}

// DeleteCompletions removes completions written at or below upTo.
func (s *Store) DeleteCompletions(ctx context.Context, userID string, upTo int64) error {
	if err := s.enter(ctx, MethodDeleteCompletions); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	order := u.order[:0]
	for _, lessonID := range u.order {
		if u.completions[lessonID].Revision <= upTo {
			delete(u.completions, lessonID)
			continue
		}
		order = append(order, lessonID)
	}
	u.order = order
	return nil
}

// DeleteQuestions removes answered questions written at or below upTo.
func (s *Store) DeleteQuestions(ctx context.Context, userID string, upTo int64) error {
	if err := s.enter(ctx, MethodDeleteQuestions); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	for key, q := range u.questions {
		if q.Revision <= upTo {
			delete(u.questions, key)
		}
	}
	return nil
}

// DeleteAchievements removes unlocks written at or below upTo.
func (s *Store) DeleteAchievements(ctx context.Context, userID string, upTo int64) error {
	if err := s.enter(ctx, MethodDeleteAchievements); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	for id, a := range u.achievements {
		if a.Revision <= upTo {
			delete(u.achievements, id)
		}
	}
	return nil
}

// DeleteStats removes the stats row if it was written at or below upTo.
func (s *Store) DeleteStats(ctx context.Context, userID string, upTo int64) error {
	if err := s.enter(ctx, MethodDeleteStats); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if u.stats != nil && u.stats.Revision <= upTo {
		u.stats = nil
	}
	return nil
}

var _ progress.RemoteStore = (*Store)(nil)
