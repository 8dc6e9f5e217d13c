package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestMetrics_RecordSyncResults(t *testing.T) {
	m := New(false)

	m.Record(remotesync.Result{Write: remotesync.Write{Op: remotesync.OpUpdateProfile}, Duration: 5 * time.Millisecond})
	m.Record(remotesync.Result{Write: remotesync.Write{Op: remotesync.OpUpdateProfile}, Err: errors.New("down")})
	m.Record(remotesync.Result{Write: remotesync.Write{Op: remotesync.OpUpdateProfile}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncWrites.WithLabelValues("profile.update", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncWrites.WithLabelValues("profile.update", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SyncWriteDuration))
}

func TestMetrics_CountsGamificationEvents(t *testing.T) {
	m := New(false)
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{AsyncMode: false, Observer: m})
	require.NoError(t, m.Subscribe(bus))

	require.NoError(t, bus.Publish(shared.NewLessonCompletedEvent("u1", "L1", "U1", 10, now)))
	require.NoError(t, bus.Publish(shared.NewXPGainedEvent("u1", 10, 10, shared.XPSourceLesson, "L1", now)))
	require.NoError(t, bus.Publish(shared.NewXPGainedEvent("u1", 10, 20, shared.XPSourceAchievement, "first_steps", now)))
	require.NoError(t, bus.Publish(shared.NewAchievementUnlockedEvent("u1", "first_steps", "First Steps", 10, now)))
	require.NoError(t, bus.Publish(shared.NewLevelUpEvent("u1", 1, 2, 100, now)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LessonsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AchievementsTotal.WithLabelValues("first_steps")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.XPGranted.WithLabelValues(shared.XPSourceLesson)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.XPGranted.WithLabelValues(shared.XPSourceAchievement)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LevelUps))
	assert.Equal(t, 4, testutil.CollectAndCount(m.EventHandlerTime))
}

func TestMetrics_GaugesAndHandler(t *testing.T) {
	m := New(false)
	m.SetOutboxPending(7)
	m.SetSessionsOpen(2)
	m.ObserveBreakerState("remote-store", circuitbreaker.StateOpen)
	m.ObserveHTTP("GET", "/v1/progress", 200, 3*time.Millisecond)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("remote-store")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "progress_outbox_pending 7"))
	assert.True(t, strings.Contains(body, `progress_http_requests_total{code="200",method="GET",route="/v1/progress"} 1`))
}
