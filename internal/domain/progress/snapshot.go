// Package progress holds the learner progress model: the snapshot of XP,
// streak and completions, aggregate stats, the achievement catalog and the
// rule evaluator that unlocks achievements. Everything here is pure and
// performs no I/O; the application layer owns locking and persistence.
package progress

import (
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot - текущее состояние прогресса пользователя за сессию.
type Snapshot struct {
	// TotalXP - накопленный опыт, не убывает (кроме сброса).
	TotalXP int

	// Streak - серия календарных дней с занятиями.
	Streak int

	// LastStudyDate - дата последнего занятия (без времени).
	LastStudyDate timeutil.Date

	// CompletedLessons - множество пройденных уроков.
	CompletedLessons map[string]struct{}

	// UnitProgress - число пройденных уроков по каждому юниту.
	UnitProgress map[string]int

	// LessonQuestions - отвеченные вопросы внутри каждого урока.
	LessonQuestions map[string]map[string]struct{}
}

// NewSnapshot returns the zero-progress snapshot of a fresh account.
func NewSnapshot() Snapshot {
	return Snapshot{
		CompletedLessons: make(map[string]struct{}),
		UnitProgress:     make(map[string]int),
		LessonQuestions:  make(map[string]map[string]struct{}),
	}
}

// Level derives the level from TotalXP.
func (s *Snapshot) Level() shared.Level {
	return shared.XP(s.TotalXP).Level()
}

// HasCompleted reports whether lessonID was already completed.
func (s *Snapshot) HasCompleted(lessonID string) bool {
	_, ok := s.CompletedLessons[lessonID]
	return ok
}

// LessonsCompleted returns the number of distinct completed lessons.
func (s *Snapshot) LessonsCompleted() int {
	return len(s.CompletedLessons)
}

// QuestionCount returns how many questions of lessonID were answered.
func (s *Snapshot) QuestionCount(lessonID string) int {
	return len(s.LessonQuestions[lessonID])
}

// CompletedLessonIDs returns the completed lessons sorted by id.
func (s *Snapshot) CompletedLessonIDs() []string {
	ids := make([]string, 0, len(s.CompletedLessons))
	for id := range s.CompletedLessons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// addXP is the only place TotalXP grows.
func (s *Snapshot) addXP(amount int) {
	if amount <= 0 {
		return
	}
	s.TotalXP += amount
}

// markLesson records lessonID once and advances the streak on a new calendar day.
// It reports false when the lesson was already completed.
func (s *Snapshot) markLesson(lessonID, unitID string, today timeutil.Date) bool {
	if s.HasCompleted(lessonID) {
		return false
	}
	if !s.LastStudyDate.Equal(today) {
		s.Streak++
	}
	s.LastStudyDate = today
	s.CompletedLessons[lessonID] = struct{}{}
	if unitID != "" {
		s.UnitProgress[unitID]++
	}
	return true
}

// markQuestion records questionID under lessonID once.
func (s *Snapshot) markQuestion(lessonID, questionID string) bool {
	set, ok := s.LessonQuestions[lessonID]
	if !ok {
		set = make(map[string]struct{})
		s.LessonQuestions[lessonID] = set
	}
	if _, seen := set[questionID]; seen {
		return false
	}
	set[questionID] = struct{}{}
	return true
}

// checkStreak applies the passive continuity rule: yesterday continues the
// streak, today leaves it alone, anything older restarts it at 1.
func (s *Snapshot) checkStreak(today timeutil.Date) bool {
	switch {
	case s.LastStudyDate.Equal(today):
		return false
	case s.LastStudyDate.Equal(today.AddDays(-1)):
		s.Streak++
	default:
		s.Streak = 1
	}
	s.LastStudyDate = today
	return true
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() Snapshot {
	c := Snapshot{
		TotalXP:          s.TotalXP,
		Streak:           s.Streak,
		LastStudyDate:    s.LastStudyDate,
		CompletedLessons: make(map[string]struct{}, len(s.CompletedLessons)),
		UnitProgress:     make(map[string]int, len(s.UnitProgress)),
		LessonQuestions:  make(map[string]map[string]struct{}, len(s.LessonQuestions)),
	}
	for id := range s.CompletedLessons {
		c.CompletedLessons[id] = struct{}{}
	}
	for id, n := range s.UnitProgress {
		c.UnitProgress[id] = n
	}
	for lesson, qs := range s.LessonQuestions {
		set := make(map[string]struct{}, len(qs))
		for q := range qs {
			set[q] = struct{}{}
		}
		c.LessonQuestions[lesson] = set
	}
	return c
}
