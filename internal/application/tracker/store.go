// Package tracker contains the Progress State Store: the per-session owner of a
// learner's progress. Every mutation commits locally under a single lock and
// returns at once; remote persistence and event fan-out happen afterwards and
// never roll local state back.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STATE STORE
// Flow per mutation: Validate → Check bootstrap barrier → Mutate aggregate
// (achievement rules run here, to a fixed point) → Release lock →
// Dispatch remote writes → Publish events
// ══════════════════════════════════════════════════════════════════════════════

// Identity is the narrow view of the session provider the store needs.
type Identity interface {
	// UserID returns the signed-in user, or "" when nobody is signed in.
	UserID() string
	// OnSignOut registers fn to run when the user signs out.
	OnSignOut(fn func())
}

// ContentResolver answers the two catalog questions the store asks.
type ContentResolver interface {
	UnitOf(lessonID string) (string, bool)
	LessonCount(unitID string) int
}

// WriteDispatcher accepts remote writes without blocking.
type WriteDispatcher interface {
	Dispatch(writes ...remotesync.Write)
}

// Config contains configuration for Store.
type Config struct {
	// Catalog is the achievement catalog. Nil means progress.DefaultCatalog().
	Catalog []progress.Achievement

	// BootstrapTimeout bounds LoadFromRemote.
	BootstrapTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BootstrapTimeout: 10 * time.Second,
	}
}

// Deps are the store's collaborators. Remote and Dispatcher are required.
type Deps struct {
	Remote     progress.RemoteStore
	Dispatcher WriteDispatcher
	Identity   Identity
	Content    ContentResolver
	Events     shared.EventPublisher
	Clock      timeutil.Clock
	Logger     *slog.Logger
}

// Store owns the authoritative in-memory progress of one user session.
type Store struct {
	mu       sync.Mutex
	state    *progress.Progress
	userID   string
	ready    bool
	degraded bool

	catalog          []progress.Achievement
	bootstrapTimeout time.Duration

	remote     progress.RemoteStore
	dispatcher WriteDispatcher
	identity   Identity
	content    ContentResolver
	events     shared.EventPublisher
	clock      timeutil.Clock
	logger     *slog.Logger
}

// NewStore creates a store that is not ready until LoadFromRemote or StartOffline.
// When deps.Identity is set the store clears itself on sign-out.
func NewStore(deps Deps, cfg Config) *Store {
	if cfg.Catalog == nil {
		cfg.Catalog = progress.DefaultCatalog()
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultConfig().BootstrapTimeout
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.NewSystemClock("")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Store{
		state:            progress.New(cfg.Catalog),
		catalog:          cfg.Catalog,
		bootstrapTimeout: cfg.BootstrapTimeout,
		remote:           deps.Remote,
		dispatcher:       deps.Dispatcher,
		identity:         deps.Identity,
		content:          deps.Content,
		events:           deps.Events,
		clock:            deps.Clock,
		logger:           deps.Logger,
	}
	if deps.Identity != nil {
		deps.Identity.OnSignOut(s.ClearLocalProgress)
	}
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// Session lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Load bootstraps the store for the identity's current user.
func (s *Store) Load(ctx context.Context) error {
	if s.identity == nil {
		return shared.ErrEmptyUserID
	}
	return s.LoadFromRemote(ctx, s.identity.UserID())
}

// LoadFromRemote fetches the user's remote profile and overwrites local state
// with it. A user unknown to the remote store starts from defaults. Any other
// failure, including the bootstrap timeout, is returned and the store stays
// not ready.
func (s *Store) LoadFromRemote(ctx context.Context, userID string) error {
	uid, err := shared.NewUserID(userID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.bootstrapTimeout)
	defer cancel()

	remote, err := s.remote.FetchProfile(ctx, uid.String())
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrProfileNotFound):
		remote = nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return shared.WrapError("progress", "LoadFromRemote", shared.ErrTimeout, "remote profile load timed out", err)
	default:
		return shared.WrapError("progress", "LoadFromRemote", shared.ErrServiceUnavailable, "failed to load remote profile", err)
	}

	state := progress.Restore(s.catalog, remote)

	s.mu.Lock()
	s.state = state
	s.userID = uid.String()
	s.ready = true
	s.degraded = false
	totalXP := state.Snapshot().TotalXP
	s.mu.Unlock()

	s.logger.Info("progress loaded",
		"user_id", uid.String(),
		"total_xp", totalXP,
		"fresh_account", remote == nil,
	)
	s.publish(uuid.NewString(), shared.NewProgressLoadedEvent(uid.String(), totalXP, false, s.clock.Now()))
	return nil
}

// StartOffline opens the session with default progress after a failed bootstrap.
// Mutations are accepted and synced as usual; the session is flagged degraded.
func (s *Store) StartOffline(userID string) error {
	uid, err := shared.NewUserID(userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = progress.New(s.catalog)
	s.userID = uid.String()
	s.ready = true
	s.degraded = true
	s.mu.Unlock()

	s.logger.Warn("progress session started offline", "user_id", uid.String())
	s.publish(uuid.NewString(), shared.NewProgressLoadedEvent(uid.String(), 0, true, s.clock.Now()))
	return nil
}

// ClearLocalProgress wipes local state and closes the bootstrap barrier.
// Remote data is untouched. Called on sign-out.
func (s *Store) ClearLocalProgress() {
	s.mu.Lock()
	userID := s.userID
	s.state = progress.New(s.catalog)
	s.userID = ""
	s.ready = false
	s.degraded = false
	s.mu.Unlock()

	if userID != "" {
		s.logger.Info("local progress cleared", "user_id", userID)
	}
}

// Ready reports whether the bootstrap barrier has been passed.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Degraded reports whether the session runs on defaults after a failed bootstrap.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// UserID returns the loaded user, or "".
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ──────────────────────────────────────────────────────────────────────────────
// Mutations
// ──────────────────────────────────────────────────────────────────────────────

// CompleteLessonInput describes a finished lesson.
type CompleteLessonInput struct {
	LessonID string
	// UnitID may be empty; it is then resolved through the content catalog.
	UnitID   string
	XPGained int
	Session  progress.SessionStats
}

// Validate checks if the input is valid.
func (i CompleteLessonInput) Validate() error {
	if i.LessonID == "" {
		return shared.ErrEmptyLessonID
	}
	if i.XPGained < 0 {
		return shared.ErrNegativeXP
	}
	return nil
}

// LessonResult is what the caller sees right after CompleteLesson.
type LessonResult struct {
	// Duplicate is true when the lesson was already completed; nothing changed.
	Duplicate       bool
	XPGained        int
	TotalXP         int
	Level           int
	LeveledUp       bool
	Streak          int
	NewAchievements []progress.Achievement
}

// CompleteLesson records a completed lesson. Completing the same lesson again is
// a no-op with no remote writes. Remote write failures never surface here.
func (s *Store) CompleteLesson(input CompleteLessonInput) (LessonResult, error) {
	if err := input.Validate(); err != nil {
		return LessonResult{}, err
	}
	if input.UnitID == "" && s.content != nil {
		if unitID, ok := s.content.UnitOf(input.LessonID); ok {
			input.UnitID = unitID
		} else {
			s.logger.Warn("lesson unit not resolved", "lesson_id", input.LessonID)
		}
	}
	unitSize := 0
	if input.UnitID != "" && s.content != nil {
		unitSize = s.content.LessonCount(input.UnitID)
	}

	now := s.clock.Now()
	today := s.clock.Today()
	completion := progress.LessonCompletion{
		LessonID: input.LessonID,
		UnitID:   input.UnitID,
		XP:       input.XPGained,
		Session:  input.Session,
	}

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return LessonResult{}, shared.ErrStoreNotReady
	}
	change, applied := s.state.CompleteLesson(completion, unitSize, today, now)
	if !applied {
		snap := s.state.Snapshot()
		s.mu.Unlock()
		return LessonResult{
			Duplicate: true,
			TotalXP:   snap.TotalXP,
			Level:     snap.Level().Int(),
			Streak:    snap.Streak,
		}, nil
	}
	userID := s.userID
	writes := []remotesync.Write{
		remotesync.ProfileWrite(s.state.ProfileRecord(userID, now)),
		remotesync.CompletionWrite(progress.NewCompletionRecord(userID, completion, now), change.Revision),
		remotesync.StatsWrite(s.state.StatsRecord(userID, now)),
	}
	writes = append(writes, achievementWrites(userID, change)...)
	snap := s.state.Snapshot()
	s.mu.Unlock()

	s.dispatcher.Dispatch(writes...)

	correlationID := uuid.NewString()
	s.publish(correlationID, shared.NewLessonCompletedEvent(userID, input.LessonID, input.UnitID, input.XPGained, now))
	s.publishChange(correlationID, userID, change, snap, now)

	return LessonResult{
		XPGained:        change.XPGained(),
		TotalXP:         snap.TotalXP,
		Level:           snap.Level().Int(),
		LeveledUp:       change.LeveledUp(),
		Streak:          snap.Streak,
		NewAchievements: change.Unlocked,
	}, nil
}

// CompleteQuestion records a question answered within a lesson. It returns false
// when the question was already recorded.
func (s *Store) CompleteQuestion(lessonID, questionID string) (bool, error) {
	if lessonID == "" {
		return false, shared.ErrEmptyLessonID
	}
	if questionID == "" {
		return false, shared.ErrEmptyQuestionID
	}
	now := s.clock.Now()

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return false, shared.ErrStoreNotReady
	}
	change, applied := s.state.CompleteQuestion(lessonID, questionID, now)
	if !applied {
		s.mu.Unlock()
		return false, nil
	}
	userID := s.userID
	writes := []remotesync.Write{
		remotesync.QuestionWrite(progress.QuestionRecord{
			UserID:     userID,
			LessonID:   lessonID,
			QuestionID: questionID,
			AnsweredAt: now,
		}, change.Revision),
	}
	if len(change.Unlocked) > 0 {
		writes = append(writes, remotesync.ProfileWrite(s.state.ProfileRecord(userID, now)))
		writes = append(writes, achievementWrites(userID, change)...)
	}
	answered := s.state.QuestionCount(lessonID)
	snap := s.state.Snapshot()
	s.mu.Unlock()

	s.dispatcher.Dispatch(writes...)

	correlationID := uuid.NewString()
	s.publish(correlationID, shared.NewQuestionCompletedEvent(userID, lessonID, questionID, answered, now))
	s.publishChange(correlationID, userID, change, snap, now)
	return true, nil
}

// StreakResult reports the outcome of UpdateStreak.
type StreakResult struct {
	Changed         bool
	Streak          int
	NewAchievements []progress.Achievement
}

// UpdateStreak runs the passive streak check: studying yesterday continues the
// streak, studying today changes nothing, anything older restarts it at 1.
func (s *Store) UpdateStreak() (StreakResult, error) {
	now := s.clock.Now()
	today := s.clock.Today()

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return StreakResult{}, shared.ErrStoreNotReady
	}
	change, applied := s.state.UpdateStreak(today, now)
	if !applied {
		streak := s.state.Snapshot().Streak
		s.mu.Unlock()
		return StreakResult{Streak: streak}, nil
	}
	userID := s.userID
	writes := []remotesync.Write{
		remotesync.ProfileWrite(s.state.ProfileRecord(userID, now)),
		remotesync.StatsWrite(s.state.StatsRecord(userID, now)),
	}
	writes = append(writes, achievementWrites(userID, change)...)
	snap := s.state.Snapshot()
	s.mu.Unlock()

	s.dispatcher.Dispatch(writes...)
	s.publishChange(uuid.NewString(), userID, change, snap, now)

	return StreakResult{Changed: true, Streak: snap.Streak, NewAchievements: change.Unlocked}, nil
}

// ResetProgress restores defaults locally and relocks every achievement, then
// asks the remote store to delete the user's history. The local reset always
// completes; remote deletion is best effort.
func (s *Store) ResetProgress() error {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return shared.ErrStoreNotReady
	}
	change := s.state.Reset()
	userID := s.userID
	writes := append(
		[]remotesync.Write{remotesync.ProfileWrite(s.state.ProfileRecord(userID, now))},
		remotesync.ResetWrites(userID, change.Revision)...,
	)
	s.mu.Unlock()

	s.dispatcher.Dispatch(writes...)

	s.logger.Info("progress reset", "user_id", userID, "revision", change.Revision)
	s.publish(uuid.NewString(), shared.NewProgressResetEvent(userID, now))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// GetLessonProgress returns how many questions of lessonID were answered.
func (s *Store) GetLessonProgress(lessonID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.QuestionCount(lessonID)
}

// Level returns the level derived from current XP.
func (s *Store) Level() shared.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Level()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() progress.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// Stats returns the current aggregate stats.
func (s *Store) Stats() progress.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Stats()
}

// Achievements returns the catalog with this user's unlock state.
func (s *Store) Achievements() []progress.Achievement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Achievements()
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func achievementWrites(userID string, change progress.Change) []remotesync.Write {
	writes := make([]remotesync.Write, 0, len(change.Unlocked))
	for _, a := range change.Unlocked {
		writes = append(writes, remotesync.AchievementWrite(progress.NewAchievementRecord(userID, a), change.Revision))
	}
	return writes
}

// publishChange emits the XP, level, streak and achievement events of change.
func (s *Store) publishChange(correlationID, userID string, change progress.Change, snap progress.Snapshot, now time.Time) {
	for _, g := range change.XPGrants {
		s.publish(correlationID, shared.NewXPGainedEvent(userID, g.Amount, g.NewTotal, g.Source, g.SourceID, now))
	}
	if change.LeveledUp() {
		s.publish(correlationID, shared.NewLevelUpEvent(userID, change.LevelBefore.Int(), change.LevelAfter.Int(), snap.TotalXP, now))
	}
	if change.StreakChanged() {
		s.publish(correlationID, shared.NewStreakUpdatedEvent(userID, change.StreakBefore, change.StreakAfter, snap.LastStudyDate.String(), now))
	}
	for _, a := range change.Unlocked {
		s.logger.Info("achievement unlocked", "user_id", userID, "achievement_id", a.ID, "reward_xp", a.RewardXP)
		s.publish(correlationID, shared.NewAchievementUnlockedEvent(userID, a.ID, a.Title, a.RewardXP, now))
	}
}

// publish emits event tagged with correlationID, shared by every event one
// operation produces.
func (s *Store) publish(correlationID string, event shared.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(shared.Correlate(event, correlationID)); err != nil {
		s.logger.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}
