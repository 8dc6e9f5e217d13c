package shared

import (
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies the learner whose progress is tracked.
type UserID string

// NewUserID trims and validates a user identifier.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if uid == "" {
		return "", ErrEmptyUserID
	}
	return uid, nil
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// IsEmpty checks if the ID is empty.
func (u UserID) IsEmpty() bool {
	return u == ""
}

// ═══════════════════════════════════════════════════════════════════════════
// XP Value Object (Experience Points)
// ═══════════════════════════════════════════════════════════════════════════

// XPPerLevel is the flat amount of XP that separates two levels.
const XPPerLevel = 100

// XP represents experience points earned by a learner.
type XP int

// Int returns the underlying int value.
func (x XP) Int() int {
	return int(x)
}

// Add returns x plus amount, floored at zero.
func (x XP) Add(amount int) XP {
	result := XP(int(x) + amount)
	if result < 0 {
		return 0
	}
	return result
}

// Level derives the level: floor(xp/100) + 1.
func (x XP) Level() Level {
	if x <= 0 {
		return MinLevel
	}
	return Level(int(x)/XPPerLevel + 1)
}

// IntoLevel returns the XP accumulated since the current level started.
func (x XP) IntoLevel() int {
	if x <= 0 {
		return 0
	}
	return int(x) % XPPerLevel
}

// ═══════════════════════════════════════════════════════════════════════════
// Level Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Level is derived from XP and never stored.
type Level int

// MinLevel is the level of a learner with no XP.
const MinLevel Level = 1

// Int returns the underlying int value.
func (l Level) Int() int {
	return int(l)
}

// RequiredXP returns the total XP needed to reach this level.
func (l Level) RequiredXP() int {
	if l <= MinLevel {
		return 0
	}
	return (int(l) - 1) * XPPerLevel
}
