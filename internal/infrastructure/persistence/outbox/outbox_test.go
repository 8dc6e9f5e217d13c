package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func profileWrite(userID string, xp int, revision int64) remotesync.Write {
	return remotesync.ProfileWrite(progress.ProfileUpdate{
		UserID:    userID,
		TotalXP:   xp,
		Revision:  revision,
		UpdatedAt: now,
	})
}

func completionWrite(userID, lessonID string, revision int64) remotesync.Write {
	return remotesync.CompletionWrite(progress.CompletionRecord{
		UserID:      userID,
		LessonID:    lessonID,
		XPEarned:    10,
		CompletedAt: now,
	}, revision)
}

func TestOutbox_PutKeepsNewestRevision(t *testing.T) {
	o := openTestOutbox(t)
	cause := errors.New("timeout")

	require.NoError(t, o.Put(profileWrite("u1", 30, 3), cause))
	require.NoError(t, o.Put(profileWrite("u1", 10, 1), cause))

	pending, err := o.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].Revision)
	assert.Equal(t, "timeout", pending[0].LastError)
	assert.NotEmpty(t, pending[0].ID)

	require.NoError(t, o.Put(profileWrite("u1", 50, 5), cause))
	pending, err = o.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(5), pending[0].Revision)
}

func TestOutbox_PendingOrderAndLimit(t *testing.T) {
	o := openTestOutbox(t)

	require.NoError(t, o.Put(completionWrite("u1", "L3", 3), nil))
	require.NoError(t, o.Put(completionWrite("u1", "L1", 1), nil))
	require.NoError(t, o.Put(completionWrite("u1", "L2", 2), nil))

	pending, err := o.Pending(2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "L1", pending[0].EntityID)
	assert.Equal(t, "L2", pending[1].EntityID)

	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestOutbox_ConfirmRespectsRevision(t *testing.T) {
	o := openTestOutbox(t)
	w := profileWrite("u1", 30, 3)
	require.NoError(t, o.Put(w, nil))

	require.NoError(t, o.Confirm(w.Key(), 2))
	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "an older success must not clear a newer failure")

	require.NoError(t, o.Confirm(w.Key(), 3))
	count, err = o.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, o.Confirm("missing", 1))
}

func TestOutbox_MarkFailedAndDrop(t *testing.T) {
	o := openTestOutbox(t)
	w := completionWrite("u1", "L1", 1)
	require.NoError(t, o.Put(w, errors.New("first")))

	updated, err := o.MarkFailed(w.Key(), errors.New("second"))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, "second", updated.LastError)

	missing, err := o.MarkFailed("nope", errors.New("x"))
	require.NoError(t, err)
	assert.Zero(t, missing.Attempts)

	require.NoError(t, o.Drop(w.Key()))
	require.NoError(t, o.Drop(w.Key()))
	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOutbox_PurgeSuperseded(t *testing.T) {
	o := openTestOutbox(t)
	require.NoError(t, o.Put(completionWrite("u1", "L1", 1), nil))
	require.NoError(t, o.Put(completionWrite("u1", "L2", 4), nil))
	require.NoError(t, o.Put(completionWrite("u2", "L1", 1), nil))
	require.NoError(t, o.Put(profileWrite("u1", 10, 1), nil))

	n, err := o.PurgeSuperseded("u1", remotesync.OpDeleteCompletions.Supersedes(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := o.Pending(0)
	require.NoError(t, err)
	keys := make([]string, 0, len(pending))
	for _, p := range pending {
		keys = append(keys, p.Key())
	}
	assert.ElementsMatch(t, []string{
		completionWrite("u1", "L2", 4).Key(),
		completionWrite("u2", "L1", 1).Key(),
		profileWrite("u1", 10, 1).Key(),
	}, keys)
}

func TestSink_StoresFailuresAndReplayClearsThem(t *testing.T) {
	o := openTestOutbox(t)
	store := memory.NewStore()
	store.SetFailure(memory.MethodAppendCompletion, errors.New("connection refused"))

	dispatcher := remotesync.NewDispatcher(store, NewSink(o, nil), remotesync.DefaultConfig())
	dispatcher.Dispatch(profileWrite("u1", 20, 1), completionWrite("u1", "L1", 1))
	dispatcher.Wait()

	pending, err := o.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, remotesync.OpAppendCompletion, pending[0].Op)
	assert.Equal(t, "connection refused", pending[0].LastError)

	store.SetFailure(memory.MethodAppendCompletion, nil)
	replayer := remotesync.NewReplayer(o, dispatcher, remotesync.ReplayConfig{AttemptsPerRun: 1})
	report, err := replayer.ReplayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	profile, err := store.FetchProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, profile.Completions, 1)
	assert.Equal(t, "L1", profile.Completions[0].LessonID)
}

func TestSink_DeleteSuccessPurgesPendingAppends(t *testing.T) {
	o := openTestOutbox(t)
	require.NoError(t, o.Put(completionWrite("u1", "L1", 1), errors.New("down")))

	sink := NewSink(o, nil)
	sink.Record(remotesync.Result{Write: remotesync.ResetWrites("u1", 2)[0]})

	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSink_IgnoresPermanentFailures(t *testing.T) {
	o := openTestOutbox(t)
	sink := NewSink(o, nil)

	sink.Record(remotesync.Result{
		Write: remotesync.Write{Op: remotesync.OpUpdateProfile, UserID: "u1", Payload: "garbage"},
		Err:   remotesync.ErrPayloadMismatch,
	})

	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSink_ReplayConfirmsWriteClearedByReset(t *testing.T) {
	o := openTestOutbox(t)
	require.NoError(t, o.Put(completionWrite("u1", "L1", 1), errors.New("down")))

	store := memory.NewStore()
	require.NoError(t, store.UpdateProfile(context.Background(), progress.ProfileUpdate{
		UserID: "u1", Revision: 2, ResetRevision: 2, UpdatedAt: now,
	}))

	dispatcher := remotesync.NewDispatcher(store, NewSink(o, nil), remotesync.DefaultConfig())
	replayer := remotesync.NewReplayer(o, dispatcher, remotesync.ReplayConfig{AttemptsPerRun: 1})
	report, err := replayer.ReplayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	count, err := o.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	profile, err := store.FetchProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, profile.Completions)
}
