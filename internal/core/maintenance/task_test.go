package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	cleanups atomic.Int32
	trims    atomic.Int32
	cleanup  func(ctx context.Context) (int, error)
}

func (f *fakeSweeper) CleanupExpired(ctx context.Context) (int, error) {
	f.cleanups.Add(1)
	if f.cleanup != nil {
		return f.cleanup(ctx)
	}
	return 2, nil
}

func (f *fakeSweeper) TrimLocal() int {
	f.trims.Add(1)
	return 1
}

func newTestTask(sweeper Sweeper, interval, grace time.Duration) *Task {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTask(sweeper, config.MaintenanceConfig{Interval: interval, ShutdownGrace: grace}, logger, nil)
}

func TestTask_Sweep(t *testing.T) {
	sweeper := &fakeSweeper{}
	task := newTestTask(sweeper, time.Minute, time.Second)

	res, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 1, res.Trimmed)
	assert.False(t, res.StartedAt.IsZero())

	st := task.Status()
	assert.Equal(t, int64(1), st.Sweeps)
	assert.Zero(t, st.Failures)
	assert.Equal(t, 2, st.LastSweep.Expired)
}

func TestTask_SweepRecoversPanic(t *testing.T) {
	sweeper := &fakeSweeper{cleanup: func(context.Context) (int, error) {
		panic("boom")
	}}
	task := newTestTask(sweeper, time.Minute, time.Second)

	_, err := task.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepPanic)

	st := task.Status()
	assert.Equal(t, int64(1), st.Failures)
	assert.Contains(t, st.LastError, "boom")
}

func TestTask_LoopSurvivesFailures(t *testing.T) {
	sweeper := &fakeSweeper{}
	sweeper.cleanup = func(context.Context) (int, error) {
		if sweeper.cleanups.Load()%2 == 1 {
			return 0, errors.New("store down")
		}
		panic("unexpected payload")
	}
	task := newTestTask(sweeper, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	assert.Eventually(t, func() bool { return sweeper.cleanups.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, task.Status().Running)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop")
	}

	st := task.Status()
	assert.False(t, st.Running)
	assert.Equal(t, st.Sweeps, st.Failures)
}

func TestTask_StopCancelsInFlightSweep(t *testing.T) {
	started := make(chan struct{}, 1)
	sweeper := &fakeSweeper{cleanup: func(ctx context.Context) (int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	task := newTestTask(sweeper, 5*time.Millisecond, time.Second)

	done := make(chan error, 1)
	go func() { done <- task.Start(context.Background()) }()

	<-started
	require.NoError(t, task.Stop())
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTask_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sweeper := &fakeSweeper{cleanup: func(context.Context) (int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return 0, nil
	}}
	task := newTestTask(sweeper, 5*time.Millisecond, 20*time.Millisecond)

	go func() { _ = task.Start(context.Background()) }()
	<-started

	err := task.Stop()
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	close(release)
}

func TestTask_LifecycleErrors(t *testing.T) {
	task := newTestTask(&fakeSweeper{}, 0, time.Second)
	assert.ErrorIs(t, task.Start(context.Background()), ErrInvalidInterval)
	assert.ErrorIs(t, task.Stop(), ErrNotStarted)

	task = newTestTask(&fakeSweeper{}, time.Hour, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = task.Start(ctx) }()

	assert.Eventually(t, func() bool { return task.Status().Running }, time.Second, time.Millisecond)
	assert.ErrorIs(t, task.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, task.Stop())
}
