// Package metrics exposes the engine's Prometheus instrumentation: remote sync
// outcomes, gamification counters, outbox depth and event handler latency.
// Each Metrics owns its registry so tests and multiple engines never collide.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
)

const namespace = "progress"

// Metrics holds every collector of the engine.
type Metrics struct {
	registry *prometheus.Registry

	SyncWrites         *prometheus.CounterVec
	SyncWriteDuration  *prometheus.HistogramVec
	AchievementsTotal  *prometheus.CounterVec
	LessonsCompleted   prometheus.Counter
	XPGranted          *prometheus.CounterVec
	LevelUps           prometheus.Counter
	OutboxPending      prometheus.Gauge
	SessionsOpen       prometheus.Gauge
	EventHandlerTime   *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	HTTPRequests       *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry. withRuntime adds the Go and
// process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Remote sync
		SyncWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "writes_total",
				Help:      "Remote profile writes by op and outcome",
			},
			[]string{"op", "status"},
		),
		SyncWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "write_duration_seconds",
				Help:      "Duration of remote profile writes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Failed remote writes waiting for replay",
		}),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),

		// Gamification
		AchievementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "achievements_unlocked_total",
				Help:      "Achievements unlocked by id",
			},
			[]string{"achievement"},
		),
		LessonsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lessons_completed_total",
			Help:      "First-time lesson completions",
		}),
		XPGranted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "xp_granted_total",
				Help:      "XP granted by source",
			},
			[]string{"source"},
		),
		LevelUps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_ups_total",
			Help:      "Level increases",
		}),
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Signed-in learner sessions",
		}),

		// Internals
		EventHandlerTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_handler_duration_seconds",
				Help:      "Duration of domain event handlers",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"event_type", "status"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Record implements remotesync.Sink.
func (m *Metrics) Record(r remotesync.Result) {
	status := "success"
	switch {
	case r.Stale:
		status = "stale"
	case !r.OK():
		status = "failure"
	}
	op := string(r.Write.Op)
	m.SyncWrites.WithLabelValues(op, status).Inc()
	if r.Duration > 0 {
		m.SyncWriteDuration.WithLabelValues(op).Observe(r.Duration.Seconds())
	}
}

// ObserveHandler implements messaging.HandlerObserver.
func (m *Metrics) ObserveHandler(eventType shared.EventType, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventHandlerTime.WithLabelValues(string(eventType), status).Observe(duration.Seconds())
}

// ObserveBreakerState implements resilience.StateObserver.
func (m *Metrics) ObserveBreakerState(name string, state circuitbreaker.State) {
	var v float64
	switch state {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, code int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetOutboxPending updates the outbox depth gauge.
func (m *Metrics) SetOutboxPending(n int) {
	m.OutboxPending.Set(float64(n))
}

// SetSessionsOpen updates the open sessions gauge.
func (m *Metrics) SetSessionsOpen(n int) {
	m.SessionsOpen.Set(float64(n))
}

// Subscribe counts gamification events published on bus.
func (m *Metrics) Subscribe(bus shared.EventSubscriber) error {
	subs := map[shared.EventType]shared.EventHandler{
		shared.EventLessonCompleted:     m.onEvent,
		shared.EventAchievementUnlocked: m.onEvent,
		shared.EventXPGained:            m.onEvent,
		shared.EventLevelUp:             m.onEvent,
	}
	for eventType, handler := range subs {
		if err := bus.Subscribe(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) onEvent(event shared.Event) error {
	switch e := event.(type) {
	case shared.LessonCompletedEvent:
		m.LessonsCompleted.Inc()
	case shared.AchievementUnlockedEvent:
		m.AchievementsTotal.WithLabelValues(e.AchievementID).Inc()
	case shared.XPGainedEvent:
		m.XPGranted.WithLabelValues(e.Source).Add(float64(e.Amount))
	case shared.LevelUpEvent:
		m.LevelUps.Inc()
	}
	return nil
}
