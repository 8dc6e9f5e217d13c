package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counts runs" }
func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

type panickingJob struct{}

func (panickingJob) Name() string              { return "panics" }
func (panickingJob) Description() string       { return "always panics" }
func (panickingJob) Run(context.Context) error { panic("boom") }

func TestScheduler_Register(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Stop()

	job := &countingJob{name: "a"}
	require.NoError(t, s.Register(job, time.Minute))
	assert.ErrorIs(t, s.Register(job, time.Minute), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, time.Minute), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, 0), ErrInvalidInterval)

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Minute, jobs[0].Every)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Stop()

	ok := &countingJob{name: "ok"}
	bad := &countingJob{name: "bad", err: errors.New("remote down")}
	require.NoError(t, s.Register(ok, time.Hour))
	require.NoError(t, s.Register(bad, time.Hour))
	require.NoError(t, s.Register(panickingJob{}, time.Hour))

	var failed []string
	s.OnJobError(func(name string, _ error) { failed = append(failed, name) })

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = s.RunNow(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = s.RunNow(context.Background(), "panics")
	require.NoError(t, err)
	assert.ErrorContains(t, res.Error, "panicked")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, []string{"bad", "panics"}, failed)
	assert.Len(t, s.History(0), 3)
	assert.Len(t, s.History(1), 1)

	for _, info := range s.ListJobs() {
		if info.Name == "bad" {
			assert.Equal(t, int64(1), info.FailCount)
		}
	}
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	s := New(DefaultConfig())
	job := &countingJob{name: "tick"}
	require.NoError(t, s.Register(job, 20*time.Millisecond))
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
}
