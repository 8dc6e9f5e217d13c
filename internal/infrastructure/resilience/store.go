// Package resilience decorates the remote profile store with a circuit breaker
// so a dead database fails writes fast instead of holding dispatcher slots
// until each write times out.
package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
)

// StateObserver receives breaker transitions, e.g. for metrics.
type StateObserver interface {
	ObserveBreakerState(name string, state circuitbreaker.State)
}

// BreakerStore is a progress.RemoteStore guarded by a circuit breaker.
type BreakerStore struct {
	next    progress.RemoteStore
	breaker *circuitbreaker.CircuitBreaker
}

var _ progress.RemoteStore = (*BreakerStore)(nil)

// NewBreakerStore wraps next. Unknown profiles and stale-revision rejections
// are answers, not failures, and do not count towards tripping the breaker.
func NewBreakerStore(next progress.RemoteStore, logger *slog.Logger, observer StateObserver, opts ...circuitbreaker.Option) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	onChange := func(name string, from, to circuitbreaker.State) {
		logger.Warn("remote store circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
		if observer != nil {
			observer.ObserveBreakerState(name, to)
		}
	}
	opts = append([]circuitbreaker.Option{
		circuitbreaker.WithIsFailure(func(err error) bool {
			return !errors.Is(err, shared.ErrProfileNotFound) &&
				!errors.Is(err, shared.ErrStaleRevision) &&
				!errors.Is(err, context.Canceled)
		}),
	}, opts...)

	return &BreakerStore{
		next:    next,
		breaker: circuitbreaker.DatabaseBreaker(onChange, opts...),
	}
}

// Breaker exposes the underlying breaker.
func (s *BreakerStore) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

func (s *BreakerStore) do(ctx context.Context, fn func(context.Context) error) error {
	err := s.breaker.Execute(ctx, fn)
	if circuitbreaker.IsRejection(err) {
		return shared.WrapError("remote", s.breaker.Name(), shared.ErrServiceUnavailable, "remote store circuit is open", err)
	}
	return err
}

// FetchProfile implements progress.RemoteStore.
func (s *BreakerStore) FetchProfile(ctx context.Context, userID string) (*progress.RemoteProfile, error) {
	var out *progress.RemoteProfile
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.next.FetchProfile(ctx, userID)
		return err
	})
	return out, err
}

// UpdateProfile implements progress.RemoteStore.
func (s *BreakerStore) UpdateProfile(ctx context.Context, update progress.ProfileUpdate) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.UpdateProfile(ctx, update) })
}

// AppendCompletion implements progress.RemoteStore.
func (s *BreakerStore) AppendCompletion(ctx context.Context, rec progress.CompletionRecord) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.AppendCompletion(ctx, rec) })
}

// AddQuestion implements progress.RemoteStore.
func (s *BreakerStore) AddQuestion(ctx context.Context, rec progress.QuestionRecord) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.AddQuestion(ctx, rec) })
}

// UpsertStats implements progress.RemoteStore.
func (s *BreakerStore) UpsertStats(ctx context.Context, rec progress.StatsRecord) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.UpsertStats(ctx, rec) })
}

// UpsertAchievement implements progress.RemoteStore.
func (s *BreakerStore) UpsertAchievement(ctx context.Context, rec progress.AchievementRecord) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.UpsertAchievement(ctx, rec) })
}

// DeleteCompletions implements progress.RemoteStore.
func (s *BreakerStore) DeleteCompletions(ctx context.Context, userID string, upTo int64) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.DeleteCompletions(ctx, userID, upTo) })
}

// DeleteQuestions implements progress.RemoteStore.
func (s *BreakerStore) DeleteQuestions(ctx context.Context, userID string, upTo int64) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.DeleteQuestions(ctx, userID, upTo) })
}

// DeleteAchievements implements progress.RemoteStore.
func (s *BreakerStore) DeleteAchievements(ctx context.Context, userID string, upTo int64) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.DeleteAchievements(ctx, userID, upTo) })
}

// DeleteStats implements progress.RemoteStore.
func (s *BreakerStore) DeleteStats(ctx context.Context, userID string, upTo int64) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.DeleteStats(ctx, userID, upTo) })
}
