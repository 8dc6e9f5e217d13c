// Package remotesync propagates local progress mutations to the remote profile
// store. Each write runs on its own goroutine with a bounded timeout; its outcome
// goes to a Sink and never back to the caller. Writes are idempotent by their
// natural key, so a failed one can be stored and replayed later.
package remotesync

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// Op names a kind of remote write.
type Op string

const (
	OpUpdateProfile      Op = "profile.update"
	OpAppendCompletion   Op = "completion.append"
	OpAddQuestion        Op = "question.add"
	OpUpsertStats        Op = "stats.upsert"
	OpUpsertAchievement  Op = "achievement.upsert"
	OpDeleteCompletions  Op = "completions.delete"
	OpDeleteQuestions    Op = "questions.delete"
	OpDeleteAchievements Op = "achievements.delete"
	OpDeleteStats        Op = "stats.delete"
)

// IsDelete reports whether op removes a user's records.
func (op Op) IsDelete() bool {
	switch op {
	case OpDeleteCompletions, OpDeleteQuestions, OpDeleteAchievements, OpDeleteStats:
		return true
	}
	return false
}

// Supersedes returns the ops whose pending writes become obsolete once op runs.
func (op Op) Supersedes() []Op {
	switch op {
	case OpDeleteCompletions:
		return []Op{OpAppendCompletion}
	case OpDeleteQuestions:
		return []Op{OpAddQuestion}
	case OpDeleteAchievements:
		return []Op{OpUpsertAchievement}
	case OpDeleteStats:
		return []Op{OpUpsertStats}
	}
	return nil
}

// Write is one remote write. Payload holds the domain record for the op, or nil
// for deletes. Revision is the local mutation sequence that produced it.
type Write struct {
	Op       Op
	UserID   string
	EntityID string
	Revision int64
	Payload  any
}

// Key is the natural key: two writes with the same key target the same remote row.
func (w Write) Key() string {
	return string(w.Op) + "/" + w.UserID + "/" + w.EntityID
}

// Apply performs the write against store.
func (w Write) Apply(ctx context.Context, store progress.RemoteStore) error {
	switch w.Op {
	case OpUpdateProfile:
		rec, err := payloadAs[progress.ProfileUpdate](w)
		if err != nil {
			return err
		}
		return store.UpdateProfile(ctx, rec)
	case OpAppendCompletion:
		rec, err := payloadAs[progress.CompletionRecord](w)
		if err != nil {
			return err
		}
		return store.AppendCompletion(ctx, rec)
	case OpAddQuestion:
		rec, err := payloadAs[progress.QuestionRecord](w)
		if err != nil {
			return err
		}
		return store.AddQuestion(ctx, rec)
	case OpUpsertStats:
		rec, err := payloadAs[progress.StatsRecord](w)
		if err != nil {
			return err
		}
		return store.UpsertStats(ctx, rec)
	case OpUpsertAchievement:
		rec, err := payloadAs[progress.AchievementRecord](w)
		if err != nil {
			return err
		}
		return store.UpsertAchievement(ctx, rec)
	case OpDeleteCompletions:
		return store.DeleteCompletions(ctx, w.UserID, w.Revision)
	case OpDeleteQuestions:
		return store.DeleteQuestions(ctx, w.UserID, w.Revision)
	case OpDeleteAchievements:
		return store.DeleteAchievements(ctx, w.UserID, w.Revision)
	case OpDeleteStats:
		return store.DeleteStats(ctx, w.UserID, w.Revision)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, w.Op)
	}
}

func payloadAs[T any](w Write) (T, error) {
	rec, ok := w.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, w.Op, w.Payload)
	}
	return rec, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Builders
// ──────────────────────────────────────────────────────────────────────────────

// ProfileWrite wraps a profile update.
func ProfileWrite(rec progress.ProfileUpdate) Write {
	return Write{Op: OpUpdateProfile, UserID: rec.UserID, Revision: rec.Revision, Payload: rec}
}

// CompletionWrite wraps a completion record stamped with revision.
func CompletionWrite(rec progress.CompletionRecord, revision int64) Write {
	rec.Revision = revision
	return Write{Op: OpAppendCompletion, UserID: rec.UserID, EntityID: rec.LessonID, Revision: revision, Payload: rec}
}

// QuestionWrite wraps an answered-question record stamped with revision.
func QuestionWrite(rec progress.QuestionRecord, revision int64) Write {
	rec.Revision = revision
	return Write{Op: OpAddQuestion, UserID: rec.UserID, EntityID: rec.LessonID + ":" + rec.QuestionID, Revision: revision, Payload: rec}
}

// StatsWrite wraps a stats record.
func StatsWrite(rec progress.StatsRecord) Write {
	return Write{Op: OpUpsertStats, UserID: rec.UserID, Revision: rec.Revision, Payload: rec}
}

// AchievementWrite wraps an achievement unlock stamped with revision.
func AchievementWrite(rec progress.AchievementRecord, revision int64) Write {
	rec.Revision = revision
	return Write{Op: OpUpsertAchievement, UserID: rec.UserID, EntityID: rec.AchievementID, Revision: revision, Payload: rec}
}

// ResetWrites returns the deletes that clear a user's remote history written
// at or below revision.
func ResetWrites(userID string, revision int64) []Write {
	ops := []Op{OpDeleteCompletions, OpDeleteQuestions, OpDeleteAchievements, OpDeleteStats}
	writes := make([]Write, len(ops))
	for i, op := range ops {
		writes[i] = Write{Op: op, UserID: userID, Revision: revision}
	}
	return writes
}
