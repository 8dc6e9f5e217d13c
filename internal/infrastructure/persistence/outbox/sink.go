package outbox

import (
	"errors"
	"log/slog"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
)

// Sink keeps the outbox in step with live write results: failures are stored
// for replay, successes clear any older pending copy of the same write.
type Sink struct {
	outbox *Outbox
	logger *slog.Logger
}

var _ remotesync.Sink = (*Sink)(nil)

// NewSink creates a sink writing to outbox.
func NewSink(outbox *Outbox, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{outbox: outbox, logger: logger}
}

// Record implements remotesync.Sink.
func (s *Sink) Record(r remotesync.Result) {
	w := r.Write
	if r.OK() {
		if err := s.outbox.Confirm(w.Key(), w.Revision); err != nil {
			s.logger.Warn("failed to confirm outbox entry", "key", w.Key(), "error", err)
		}
		if w.Op.IsDelete() {
			if _, err := s.outbox.PurgeSuperseded(w.UserID, w.Op.Supersedes(), w.Revision); err != nil {
				s.logger.Warn("failed to purge superseded outbox entries", "user_id", w.UserID, "op", w.Op, "error", err)
			}
		}
		return
	}

	if errors.Is(r.Err, remotesync.ErrPayloadMismatch) || errors.Is(r.Err, remotesync.ErrUnknownOp) {
		return
	}
	if err := s.outbox.Put(w, r.Err); err != nil {
		s.logger.Error("failed to store write in outbox",
			"op", w.Op,
			"user_id", w.UserID,
			"entity_id", w.EntityID,
			"error", err,
		)
	}
}
