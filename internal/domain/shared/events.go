package shared

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each is published after the local mutation has committed.
const (
	EventLessonCompleted     EventType = "progress.lesson_completed"
	EventQuestionCompleted   EventType = "progress.question_completed"
	EventXPGained            EventType = "progress.xp_gained"
	EventLevelUp             EventType = "progress.level_up"
	EventStreakUpdated       EventType = "progress.streak_updated"
	EventAchievementUnlocked EventType = "progress.achievement_unlocked"
	EventProgressReset       EventType = "progress.reset"
	EventProgressLoaded      EventType = "progress.loaded"
)

// XP grant sources.
const (
	XPSourceLesson      = "lesson_completion"
	XPSourceAchievement = "achievement_reward"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped at the given instant.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// Correlation returns the correlation ID, or "" when none was set.
func (e BaseEvent) Correlation() string {
	return e.CorrelationID
}

// Correlate returns event with its correlation ID set to id. Events of other
// types are returned unchanged.
func Correlate(event Event, id string) Event {
	switch e := event.(type) {
	case LessonCompletedEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case QuestionCompletedEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case XPGainedEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case LevelUpEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case StreakUpdatedEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case AchievementUnlockedEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case ProgressResetEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	case ProgressLoadedEvent:
		e.BaseEvent = e.WithCorrelationID(id)
		return e
	}
	return event
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// LessonCompletedEvent is emitted the first time a lesson is completed.
type LessonCompletedEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	LessonID string `json:"lesson_id"`
	UnitID   string `json:"unit_id"`
	XPEarned int    `json:"xp_earned"`
}

// Payload implements Event interface.
func (e LessonCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID,
		"lesson_id": e.LessonID,
		"unit_id":   e.UnitID,
		"xp_earned": e.XPEarned,
	}
}

// NewLessonCompletedEvent creates a new LessonCompletedEvent.
func NewLessonCompletedEvent(userID, lessonID, unitID string, xpEarned int, at time.Time) LessonCompletedEvent {
	return LessonCompletedEvent{
		BaseEvent: NewBaseEvent(EventLessonCompleted, userID, at),
		UserID:    userID,
		LessonID:  lessonID,
		UnitID:    unitID,
		XPEarned:  xpEarned,
	}
}

// QuestionCompletedEvent is emitted the first time a question is answered within a lesson.
type QuestionCompletedEvent struct {
	BaseEvent
	UserID     string `json:"user_id"`
	LessonID   string `json:"lesson_id"`
	QuestionID string `json:"question_id"`
	Answered   int    `json:"answered"`
}

// Payload implements Event interface.
func (e QuestionCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID,
		"lesson_id":   e.LessonID,
		"question_id": e.QuestionID,
		"answered":    e.Answered,
	}
}

// NewQuestionCompletedEvent creates a new QuestionCompletedEvent.
func NewQuestionCompletedEvent(userID, lessonID, questionID string, answered int, at time.Time) QuestionCompletedEvent {
	return QuestionCompletedEvent{
		BaseEvent:  NewBaseEvent(EventQuestionCompleted, userID, at),
		UserID:     userID,
		LessonID:   lessonID,
		QuestionID: questionID,
		Answered:   answered,
	}
}

// XPGainedEvent is emitted when a learner gains XP.
type XPGainedEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	Amount   int    `json:"amount"`
	NewTotal int    `json:"new_total"`
	Source   string `json:"source"` // XPSourceLesson or XPSourceAchievement
	SourceID string `json:"source_id,omitempty"`
}

// Payload implements Event interface.
func (e XPGainedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID,
		"amount":    e.Amount,
		"new_total": e.NewTotal,
		"source":    e.Source,
		"source_id": e.SourceID,
	}
}

// NewXPGainedEvent creates a new XPGainedEvent.
func NewXPGainedEvent(userID string, amount, newTotal int, source, sourceID string, at time.Time) XPGainedEvent {
	return XPGainedEvent{
		BaseEvent: NewBaseEvent(EventXPGained, userID, at),
		UserID:    userID,
		Amount:    amount,
		NewTotal:  newTotal,
		Source:    source,
		SourceID:  sourceID,
	}
}

// LevelUpEvent is emitted when the derived level increases.
type LevelUpEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	TotalXP  int    `json:"total_xp"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID,
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"total_xp":  e.TotalXP,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, oldLevel, newLevel, totalXP int, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, userID, at),
		UserID:    userID,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		TotalXP:   totalXP,
	}
}

// StreakUpdatedEvent is emitted when the day streak changes.
type StreakUpdatedEvent struct {
	BaseEvent
	UserID         string `json:"user_id"`
	PreviousStreak int    `json:"previous_streak"`
	CurrentStreak  int    `json:"current_streak"`
	StudyDate      string `json:"study_date"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":         e.UserID,
		"previous_streak": e.PreviousStreak,
		"current_streak":  e.CurrentStreak,
		"study_date":      e.StudyDate,
	}
}

// IsBroken reports whether the streak restarted.
func (e StreakUpdatedEvent) IsBroken() bool {
	return e.CurrentStreak <= 1 && e.PreviousStreak > 1
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(userID string, previous, current int, studyDate string, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent:      NewBaseEvent(EventStreakUpdated, userID, at),
		UserID:         userID,
		PreviousStreak: previous,
		CurrentStreak:  current,
		StudyDate:      studyDate,
	}
}

// AchievementUnlockedEvent is emitted once per achievement per user.
type AchievementUnlockedEvent struct {
	BaseEvent
	UserID        string `json:"user_id"`
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title"`
	RewardXP      int    `json:"reward_xp"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID,
		"achievement_id": e.AchievementID,
		"title":          e.Title,
		"reward_xp":      e.RewardXP,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, title string, rewardXP int, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, userID, at),
		UserID:        userID,
		AchievementID: achievementID,
		Title:         title,
		RewardXP:      rewardXP,
	}
}

// ProgressResetEvent is emitted after an explicit progress reset.
type ProgressResetEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
}

// Payload implements Event interface.
func (e ProgressResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"user_id": e.UserID}
}

// NewProgressResetEvent creates a new ProgressResetEvent.
func NewProgressResetEvent(userID string, at time.Time) ProgressResetEvent {
	return ProgressResetEvent{
		BaseEvent: NewBaseEvent(EventProgressReset, userID, at),
		UserID:    userID,
	}
}

// ProgressLoadedEvent is emitted when a session bootstrap finishes.
type ProgressLoadedEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	TotalXP  int    `json:"total_xp"`
	Degraded bool   `json:"degraded"`
}

// Payload implements Event interface.
func (e ProgressLoadedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID,
		"total_xp": e.TotalXP,
		"degraded": e.Degraded,
	}
}

// NewProgressLoadedEvent creates a new ProgressLoadedEvent.
func NewProgressLoadedEvent(userID string, totalXP int, degraded bool, at time.Time) ProgressLoadedEvent {
	return ProgressLoadedEvent{
		BaseEvent: NewBaseEvent(EventProgressLoaded, userID, at),
		UserID:    userID,
		TotalXP:   totalXP,
		Degraded:  degraded,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
