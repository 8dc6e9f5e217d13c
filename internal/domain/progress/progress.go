package progress

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// LessonCompletion describes a finished lesson as reported by the caller.
type LessonCompletion struct {
	LessonID string
	UnitID   string
	XP       int
	Session  SessionStats
}

// XPGrant records one application of XP.
type XPGrant struct {
	Amount   int
	Source   string
	SourceID string
	NewTotal int
}

// Change summarises what a single mutation did. It drives events and remote writes.
type Change struct {
	XPGrants      []XPGrant
	LevelBefore   shared.Level
	LevelAfter    shared.Level
	StreakBefore  int
	StreakAfter   int
	Unlocked      []Achievement
	UnitCompleted string
	Revision      int64
}

// XPGained returns the total XP granted by the mutation, rewards included.
func (c Change) XPGained() int {
	total := 0
	for _, g := range c.XPGrants {
		total += g.Amount
	}
	return total
}

// LeveledUp reports whether the derived level increased.
func (c Change) LeveledUp() bool {
	return c.LevelAfter > c.LevelBefore
}

// StreakChanged reports whether the streak value moved.
func (c Change) StreakChanged() bool {
	return c.StreakAfter != c.StreakBefore
}

// Progress is the per-user aggregate: snapshot, stats and achievement states.
// It is not safe for concurrent use.
type Progress struct {
	snapshot     Snapshot
	stats        UserStats
	achievements []Achievement
	catalog      []Achievement
	revision     int64

	// resetRevision is the revision of the last Reset, 0 if never reset.
	resetRevision int64
}

// New returns fresh-account progress over catalog. A nil catalog means DefaultCatalog.
func New(catalog []Achievement) *Progress {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	pristine := lockedCopy(catalog)
	return &Progress{
		snapshot:     NewSnapshot(),
		achievements: lockedCopy(pristine),
		catalog:      pristine,
	}
}

// Snapshot returns a deep copy of the current snapshot.
func (p *Progress) Snapshot() Snapshot {
	return p.snapshot.Clone()
}

// Stats returns the current aggregate stats.
func (p *Progress) Stats() UserStats {
	return p.stats
}

// Achievements returns a copy of every achievement with its state.
func (p *Progress) Achievements() []Achievement {
	return cloneAchievements(p.achievements)
}

// Revision is the sequence number of the last mutation.
func (p *Progress) Revision() int64 {
	return p.revision
}

// ResetRevision is the revision of the last reset, or 0.
func (p *Progress) ResetRevision() int64 {
	return p.resetRevision
}

// Level derives the current level.
func (p *Progress) Level() shared.Level {
	return p.snapshot.Level()
}

// HasCompleted reports whether lessonID was completed.
func (p *Progress) HasCompleted(lessonID string) bool {
	return p.snapshot.HasCompleted(lessonID)
}

// QuestionCount returns the number of answered questions in lessonID.
func (p *Progress) QuestionCount(lessonID string) int {
	return p.snapshot.QuestionCount(lessonID)
}

// CompleteLesson applies a lesson completion. unitSize is the number of lessons
// in the lesson's unit according to the content catalog, or 0 when unknown.
// It returns false without touching state when the lesson was already completed.
func (p *Progress) CompleteLesson(in LessonCompletion, unitSize int, today timeutil.Date, now time.Time) (Change, bool) {
	if p.snapshot.HasCompleted(in.LessonID) {
		return Change{}, false
	}
	change := p.begin()

	session := in.Session
	if session.QuestionsAnswered == 0 {
		// Questions reported one by one through CompleteQuestion.
		session.QuestionsAnswered = p.snapshot.QuestionCount(in.LessonID)
	}

	p.snapshot.markLesson(in.LessonID, in.UnitID, today)
	if in.XP > 0 {
		change.XPGrants = append(change.XPGrants, p.grantXP(in.XP, shared.XPSourceLesson, in.LessonID))
	}

	p.stats.LessonsCompleted++
	p.stats.recordSession(session)
	p.stats.observeStreak(p.snapshot.Streak)
	if in.UnitID != "" && unitSize > 0 && p.snapshot.UnitProgress[in.UnitID] == unitSize {
		p.stats.UnitsCompleted++
		change.UnitCompleted = in.UnitID
	}

	p.evaluate(&change, now)
	return p.finish(change), true
}

// CompleteQuestion records a question answered within a lesson. It returns false
// when the question was already recorded.
func (p *Progress) CompleteQuestion(lessonID, questionID string, now time.Time) (Change, bool) {
	change := p.begin()
	if !p.snapshot.markQuestion(lessonID, questionID) {
		return Change{}, false
	}
	p.evaluate(&change, now)
	return p.finish(change), true
}

// UpdateStreak applies the passive streak check for today. It returns false when
// today was already counted.
func (p *Progress) UpdateStreak(today timeutil.Date, now time.Time) (Change, bool) {
	change := p.begin()
	if !p.snapshot.checkStreak(today) {
		return Change{}, false
	}
	p.stats.observeStreak(p.snapshot.Streak)
	p.evaluate(&change, now)
	return p.finish(change), true
}

// Reset restores fresh-account state and relocks every achievement.
// The revision keeps counting so later remote writes still supersede older ones.
func (p *Progress) Reset() Change {
	change := p.begin()
	p.snapshot = NewSnapshot()
	p.stats = UserStats{}
	p.achievements = lockedCopy(p.catalog)
	change = p.finish(change)
	p.resetRevision = change.Revision
	return change
}

// Evaluate runs the achievement rules without a preceding mutation.
func (p *Progress) Evaluate(now time.Time) (Change, bool) {
	change := p.begin()
	p.evaluate(&change, now)
	if len(change.Unlocked) == 0 {
		return Change{}, false
	}
	return p.finish(change), true
}

func (p *Progress) begin() Change {
	return Change{
		LevelBefore:  p.snapshot.Level(),
		StreakBefore: p.snapshot.Streak,
	}
}

func (p *Progress) finish(change Change) Change {
	p.revision++
	change.Revision = p.revision
	change.LevelAfter = p.snapshot.Level()
	change.StreakAfter = p.snapshot.Streak
	return change
}

func (p *Progress) evaluate(change *Change, now time.Time) {
	change.Unlocked = append(change.Unlocked, EvaluateAchievements(p.achievements, p.observe, func(a Achievement) {
		change.XPGrants = append(change.XPGrants, p.grantXP(a.RewardXP, shared.XPSourceAchievement, a.ID))
	}, now)...)
}

// grantXP is shared by lesson XP and achievement rewards.
func (p *Progress) grantXP(amount int, source, sourceID string) XPGrant {
	p.snapshot.addXP(amount)
	return XPGrant{Amount: amount, Source: source, SourceID: sourceID, NewTotal: p.snapshot.TotalXP}
}

func (p *Progress) observe(kind RequirementKind) int {
	switch kind {
	case RequirementLessonsCompleted:
		return p.snapshot.LessonsCompleted()
	case RequirementXPEarned:
		return p.snapshot.TotalXP
	case RequirementStreakDays:
		return p.snapshot.Streak
	case RequirementUnitsCompleted:
		return p.stats.UnitsCompleted
	case RequirementQuestionsAnswered:
		return p.stats.QuestionsAnswered
	default:
		return 0
	}
}
