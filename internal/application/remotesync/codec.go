package remotesync

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

var (
	// ErrUnknownOp is returned for writes whose op is not recognised.
	ErrUnknownOp = errors.New("unknown remote write op")

	// ErrPayloadMismatch is returned when a write's payload does not match its op.
	ErrPayloadMismatch = errors.New("payload does not match op")

	// ErrDispatcherClosed is recorded for writes submitted after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// EncodePayload serializes the write's payload. Deletes encode to nil.
func EncodePayload(w Write) ([]byte, error) {
	if w.Op.IsDelete() {
		return nil, nil
	}
	data, err := json.Marshal(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", w.Op, err)
	}
	return data, nil
}

// DecodeWrite rebuilds a Write from its stored parts.
func DecodeWrite(op Op, userID, entityID string, revision int64, payload []byte) (Write, error) {
	w := Write{Op: op, UserID: userID, EntityID: entityID, Revision: revision}

	var err error
	switch op {
	case OpUpdateProfile:
		w.Payload, err = decodeAs[progress.ProfileUpdate](payload)
	case OpAppendCompletion:
		w.Payload, err = decodeAs[progress.CompletionRecord](payload)
	case OpAddQuestion:
		w.Payload, err = decodeAs[progress.QuestionRecord](payload)
	case OpUpsertStats:
		w.Payload, err = decodeAs[progress.StatsRecord](payload)
	case OpUpsertAchievement:
		w.Payload, err = decodeAs[progress.AchievementRecord](payload)
	case OpDeleteCompletions, OpDeleteQuestions, OpDeleteAchievements, OpDeleteStats:
	default:
		return Write{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	if err != nil {
		return Write{}, fmt.Errorf("failed to decode %s payload: %w", op, err)
	}
	return w, nil
}

func decodeAs[T any](payload []byte) (T, error) {
	var rec T
	err := json.Unmarshal(payload, &rec)
	return rec, err
}
