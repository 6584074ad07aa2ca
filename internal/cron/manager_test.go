package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportpipe/internal/metrics"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zerolog.Nop(), metrics.NewCollector())
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_Register(t *testing.T) {
	m := newTestManager(t)

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, m.Register("daily", "0 3 * * *", noop))

	assert.Error(t, m.Register("daily", "0 3 * * *", noop), "duplicate name")
	assert.Error(t, m.Register("broken", "not a pattern", noop))
}

func TestManager_UnknownJob(t *testing.T) {
	m := newTestManager(t)

	assert.ErrorIs(t, m.Start("nope"), ErrUnknownJob)
	assert.ErrorIs(t, m.Stop("nope"), ErrUnknownJob)
	assert.ErrorIs(t, m.Force(context.Background(), "nope"), ErrUnknownJob)
}

func TestManager_ForceRunsImmediately(t *testing.T) {
	m := newTestManager(t)

	ran := false
	require.NoError(t, m.Register("daily", "0 3 * * *", func(ctx context.Context) error {
		ran = true
		return nil
	}))

	// Forcing does not require the trigger to be scheduled.
	require.NoError(t, m.Force(context.Background(), "daily"))
	assert.True(t, ran)

	all := m.All()
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].LastRun)
}

func TestManager_ForceWhileExecuting(t *testing.T) {
	m := newTestManager(t)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, m.Register("slow", "0 3 * * *", func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- m.Force(context.Background(), "slow") }()
	<-started

	assert.ErrorIs(t, m.Force(context.Background(), "slow"), ErrJobRunning)

	close(release)
	assert.NoError(t, <-done)

	// Once the first run finishes the entry accepts a new forced run.
	assert.NoError(t, m.Force(context.Background(), "slow"))
}

func TestManager_ExecutorErrorIsReturnedNotFatal(t *testing.T) {
	m := newTestManager(t)

	boom := errors.New("boom")
	require.NoError(t, m.Register("flaky", "0 3 * * *", func(ctx context.Context) error {
		return boom
	}))

	assert.ErrorIs(t, m.Force(context.Background(), "flaky"), boom)
	assert.ErrorIs(t, m.Force(context.Background(), "flaky"), boom, "manager keeps working after a failed run")
}

func TestManager_ExecutorPanicIsRecovered(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Register("panicky", "0 3 * * *", func(ctx context.Context) error {
		panic("kaboom")
	}))

	err := m.Force(context.Background(), "panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestManager_StartStopSnapshot(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Register("purge", "*/5 * * * *", func(ctx context.Context) error { return nil }))

	all := m.All()
	require.Len(t, all, 1)
	assert.False(t, all[0].Running)
	assert.Nil(t, all[0].NextRun)
	assert.Nil(t, all[0].LastRun)

	require.NoError(t, m.Start("purge"))
	require.NoError(t, m.Start("purge"), "starting twice is a no-op")

	all = m.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Running)

	require.NoError(t, m.Stop("purge"))
	require.NoError(t, m.Stop("purge"), "stopping twice is a no-op")

	all = m.All()
	require.Len(t, all, 1)
	assert.False(t, all[0].Running)
	assert.Nil(t, all[0].NextRun, "a stopped trigger has no next run")
}

func TestManager_AllSortedByName(t *testing.T) {
	m := newTestManager(t)

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, m.Register("weekly", "0 4 * * 1", noop))
	require.NoError(t, m.Register("daily", "0 3 * * *", noop))
	require.NoError(t, m.Register("monthly", "0 5 1 * *", noop))

	all := m.All()
	require.Len(t, all, 3)
	assert.Equal(t, "daily", all[0].Name)
	assert.Equal(t, "monthly", all[1].Name)
	assert.Equal(t, "weekly", all[2].Name)
}
