package progress

import "time"

// Observer returns the current value of a requirement metric.
type Observer func(kind RequirementKind) int

// Granter applies an unlocked achievement's XP reward.
type Granter func(a Achievement)

// EvaluateAchievements unlocks every locked achievement whose requirement is met,
// in catalog order, and repeats the scan until a pass unlocks nothing. A reward
// granted in one pass is visible to the next, so an XP threshold reached only
// through another achievement's reward still unlocks in the same call.
//
// The slice is updated in place. The newly unlocked achievements are returned in
// unlock order. Already unlocked entries are never touched.
func EvaluateAchievements(achievements []Achievement, observe Observer, grant Granter, now time.Time) []Achievement {
	var unlocked []Achievement

	// Every productive pass unlocks at least one entry.
	maxPasses := len(achievements) + 1
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for i := range achievements {
			a := &achievements[i]
			if a.Unlocked {
				continue
			}
			a.ProgressValue = observe(a.Requirement.Kind)
			if a.ProgressValue < a.Requirement.Threshold {
				continue
			}

			at := now
			a.Unlocked = true
			a.UnlockedAt = &at
			changed = true
			unlocked = append(unlocked, *a)

			if a.RewardXP > 0 && grant != nil {
				grant(*a)
			}
		}
		if !changed {
			break
		}
	}
	return unlocked
}
