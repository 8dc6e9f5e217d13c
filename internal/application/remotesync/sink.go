package remotesync

import (
	"log/slog"
	"time"
)

// Result is the outcome of one remote write.
type Result struct {
	Write Write
	Err   error
	// Stale is set when the store rejected the write because it already held
	// newer state. The write is settled: Err is nil and nothing is retried.
	Stale      bool
	Duration   time.Duration
	FinishedAt time.Time
}

// OK reports whether the write is settled, applied or stale.
func (r Result) OK() bool {
	return r.Err == nil
}

// Sink collects write results. Implementations must be safe for concurrent use.
type Sink interface {
	Record(result Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

// Record implements Sink.
func (f SinkFunc) Record(r Result) { f(r) }

// MultiSink fans a result out to several sinks in order.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(r Result) {
	for _, s := range m {
		if s != nil {
			s.Record(r)
		}
	}
}

// LogSink logs failures at error level with enough context to reconcile by hand.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink; nil uses slog.Default().
func NewLogSink(logger *slog.Logger) LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return LogSink{Logger: logger}
}

// Record implements Sink.
func (s LogSink) Record(r Result) {
	if r.Stale {
		s.Logger.Warn("remote write rejected as stale",
			"op", r.Write.Op,
			"user_id", r.Write.UserID,
			"entity_id", r.Write.EntityID,
			"revision", r.Write.Revision,
		)
		return
	}
	if r.OK() {
		s.Logger.Debug("remote write applied",
			"op", r.Write.Op,
			"user_id", r.Write.UserID,
			"entity_id", r.Write.EntityID,
			"duration", r.Duration,
		)
		return
	}
	s.Logger.Error("remote write failed",
		"op", r.Write.Op,
		"user_id", r.Write.UserID,
		"entity_id", r.Write.EntityID,
		"revision", r.Write.Revision,
		"payload", r.Write.Payload,
		"duration", r.Duration,
		"error", r.Err,
	)
}
