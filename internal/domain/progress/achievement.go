package progress

import (
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

// RequirementKind - метрика, по которой проверяется достижение.
type RequirementKind string

const (
	RequirementLessonsCompleted  RequirementKind = "lessonsCompleted"
	RequirementXPEarned          RequirementKind = "xpEarned"
	RequirementStreakDays        RequirementKind = "streakDays"
	RequirementUnitsCompleted    RequirementKind = "unitsCompleted"
	RequirementQuestionsAnswered RequirementKind = "questionsAnswered"
)

// Valid reports whether k is a known requirement kind.
func (k RequirementKind) Valid() bool {
	switch k {
	case RequirementLessonsCompleted, RequirementXPEarned, RequirementStreakDays,
		RequirementUnitsCompleted, RequirementQuestionsAnswered:
		return true
	}
	return false
}

// Requirement - условие получения достижения.
type Requirement struct {
	Kind      RequirementKind `json:"kind"`
	Threshold int             `json:"threshold"`
}

// Achievement - достижение из фиксированного каталога вместе с его состоянием.
type Achievement struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	RewardXP    int         `json:"reward_xp"`
	Requirement Requirement `json:"requirement"`

	// Unlocked меняется false→true ровно один раз (до сброса).
	Unlocked   bool       `json:"unlocked"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`

	// ProgressValue - последнее наблюдаемое значение, только для UI.
	ProgressValue int `json:"progress_value"`
}

// DefaultCatalog returns the built-in catalog, all locked, in evaluation order.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{ID: "first_steps", Title: "First Steps", Description: "Complete your first lesson",
			RewardXP: 10, Requirement: Requirement{RequirementLessonsCompleted, 1}},
		{ID: "getting_serious", Title: "Getting Serious", Description: "Complete 5 lessons",
			RewardXP: 50, Requirement: Requirement{RequirementLessonsCompleted, 5}},
		{ID: "lesson_marathon", Title: "Lesson Marathon", Description: "Complete 25 lessons",
			RewardXP: 150, Requirement: Requirement{RequirementLessonsCompleted, 25}},
		{ID: "xp_100", Title: "Century", Description: "Earn 100 XP",
			RewardXP: 0, Requirement: Requirement{RequirementXPEarned, 100}},
		{ID: "xp_500", Title: "Rising Star", Description: "Earn 500 XP",
			RewardXP: 50, Requirement: Requirement{RequirementXPEarned, 500}},
		{ID: "xp_1000", Title: "XP Hoarder", Description: "Earn 1000 XP",
			RewardXP: 100, Requirement: Requirement{RequirementXPEarned, 1000}},
		{ID: "streak_3", Title: "On Fire", Description: "Study 3 days in a row",
			RewardXP: 30, Requirement: Requirement{RequirementStreakDays, 3}},
		{ID: "streak_7", Title: "Week Warrior", Description: "Study 7 days in a row",
			RewardXP: 70, Requirement: Requirement{RequirementStreakDays, 7}},
		{ID: "streak_30", Title: "Unstoppable", Description: "Study 30 days in a row",
			RewardXP: 300, Requirement: Requirement{RequirementStreakDays, 30}},
		{ID: "unit_1", Title: "Unit Champion", Description: "Finish every lesson of a unit",
			RewardXP: 75, Requirement: Requirement{RequirementUnitsCompleted, 1}},
		{ID: "unit_5", Title: "Curriculum Climber", Description: "Finish 5 units",
			RewardXP: 250, Requirement: Requirement{RequirementUnitsCompleted, 5}},
		{ID: "questions_10", Title: "Curious Mind", Description: "Answer 10 questions",
			RewardXP: 20, Requirement: Requirement{RequirementQuestionsAnswered, 10}},
		{ID: "questions_100", Title: "Question Machine", Description: "Answer 100 questions",
			RewardXP: 100, Requirement: Requirement{RequirementQuestionsAnswered, 100}},
	}
}

// ValidateCatalog checks ids are unique and requirements well formed.
func ValidateCatalog(catalog []Achievement) error {
	seen := make(map[string]struct{}, len(catalog))
	for _, a := range catalog {
		if a.ID == "" {
			return fmt.Errorf("achievement %q: empty id", a.Title)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("achievement %s: duplicate id", a.ID)
		}
		seen[a.ID] = struct{}{}
		if !a.Requirement.Kind.Valid() {
			return fmt.Errorf("achievement %s: unknown requirement kind %q", a.ID, a.Requirement.Kind)
		}
		if a.Requirement.Threshold <= 0 {
			return fmt.Errorf("achievement %s: threshold must be positive", a.ID)
		}
		if a.RewardXP < 0 {
			return fmt.Errorf("achievement %s: negative reward", a.ID)
		}
	}
	return nil
}

// lockedCopy returns catalog with every entry locked and progress cleared.
func lockedCopy(catalog []Achievement) []Achievement {
	out := make([]Achievement, len(catalog))
	for i, a := range catalog {
		a.Unlocked = false
		a.UnlockedAt = nil
		a.ProgressValue = 0
		out[i] = a
	}
	return out
}

// cloneAchievements deep-copies the UnlockedAt pointers.
func cloneAchievements(in []Achievement) []Achievement {
	out := make([]Achievement, len(in))
	for i, a := range in {
		if a.UnlockedAt != nil {
			t := *a.UnlockedAt
			a.UnlockedAt = &t
		}
		out[i] = a
	}
	return out
}
