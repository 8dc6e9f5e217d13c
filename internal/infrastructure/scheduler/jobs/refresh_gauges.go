package jobs

import (
	"context"
	"fmt"
)

// PendingCounter reports the outbox backlog.
type PendingCounter interface {
	Count() (int, error)
}

// SessionCounter reports open sessions.
type SessionCounter interface {
	Count() int
}

// GaugeSink receives gauge values.
type GaugeSink interface {
	SetOutboxPending(n int)
	SetSessionsOpen(n int)
}

// RefreshGaugesJob samples point-in-time values into gauges. Either source may
// be nil when the matching component is disabled.
type RefreshGaugesJob struct {
	outbox   PendingCounter
	sessions SessionCounter
	sink     GaugeSink
}

// NewRefreshGaugesJob creates the gauge job.
func NewRefreshGaugesJob(outbox PendingCounter, sessions SessionCounter, sink GaugeSink) *RefreshGaugesJob {
	return &RefreshGaugesJob{outbox: outbox, sessions: sessions, sink: sink}
}

// Name implements scheduler.Job.
func (j *RefreshGaugesJob) Name() string { return "refresh_gauges" }

// Description implements scheduler.Job.
func (j *RefreshGaugesJob) Description() string {
	return "Samples outbox backlog and open sessions into metrics"
}

// Run implements scheduler.Job.
func (j *RefreshGaugesJob) Run(_ context.Context) error {
	if j.sessions != nil {
		j.sink.SetSessionsOpen(j.sessions.Count())
	}
	if j.outbox != nil {
		n, err := j.outbox.Count()
		if err != nil {
			return fmt.Errorf("failed to count outbox: %w", err)
		}
		j.sink.SetOutboxPending(n)
	}
	return nil
}
