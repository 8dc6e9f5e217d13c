package remotesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Config contains configuration for Dispatcher.
type Config struct {
	// WriteTimeout bounds every remote write. A write that exceeds it is failed.
	WriteTimeout time.Duration

	// MaxInFlight bounds concurrent remote writes. Extra writes wait on a
	// background goroutine, never on the caller.
	MaxInFlight int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		MaxInFlight:  32,
	}
}

// Dispatcher runs remote writes in the background and reports results to a Sink.
type Dispatcher struct {
	store   progress.RemoteStore
	sink    Sink
	timeout time.Duration
	slots   chan struct{}
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher writing to store. A nil sink logs only.
func NewDispatcher(store progress.RemoteStore, sink Sink, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if sink == nil {
		sink = NewLogSink(cfg.Logger)
	}
	return &Dispatcher{
		store:   store,
		sink:    sink,
		timeout: cfg.WriteTimeout,
		slots:   make(chan struct{}, cfg.MaxInFlight),
		logger:  cfg.Logger,
		closeCh: make(chan struct{}),
	}
}

// Dispatch starts every write on its own goroutine and returns immediately.
// Writes are independent: one failing does not affect the others.
func (d *Dispatcher) Dispatch(writes ...Write) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, w := range writes {
		if d.closed {
			d.sink.Record(Result{Write: w, Err: ErrDispatcherClosed, FinishedAt: time.Now()})
			continue
		}
		d.wg.Add(1)
		go d.run(w)
	}
}

func (d *Dispatcher) run(w Write) {
	defer d.wg.Done()

	select {
	case d.slots <- struct{}{}:
		defer func() { <-d.slots }()
	case <-d.closeCh:
		d.sink.Record(Result{Write: w, Err: ErrDispatcherClosed, FinishedAt: time.Now()})
		return
	}

	d.sink.Record(d.Execute(context.Background(), w))
}

// Execute performs w synchronously under the write timeout and returns its result.
// It does not report to the sink.
func (d *Dispatcher) Execute(ctx context.Context, w Write) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := apply(ctx, d.store, w)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	stale := errors.Is(err, shared.ErrStaleRevision)
	if stale {
		err = nil
	}
	return Result{Write: w, Err: err, Stale: stale, Duration: time.Since(start), FinishedAt: time.Now()}
}

func apply(ctx context.Context, store progress.RemoteStore, w Write) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote write %s panicked: %v", w.Op, r)
		}
	}()
	return w.Apply(ctx, store)
}

// Wait blocks until every write dispatched so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting writes and waits for in-flight ones until ctx is done.
// Writes still queued for a slot are failed with ErrDispatcherClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("remote sync dispatcher closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain remote writes: %w", ctx.Err())
	}
}
