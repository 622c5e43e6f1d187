package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC), s.nextTick(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), s.bucketStart(now))
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)

	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}

func TestRunInvokesTickUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestChainRunsEveryJob(t *testing.T) {
	var order []string
	tick := Chain(
		Job{Name: "first", Tick: func(context.Context, time.Time) error {
			order = append(order, "first")
			return errors.New("broken")
		}},
		Job{Name: "second", Tick: func(context.Context, time.Time) error {
			order = append(order, "second")
			return nil
		}},
	)

	err := tick(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first: broken")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestChainNoErrors(t *testing.T) {
	tick := Chain(Job{Name: "noop", Tick: func(context.Context, time.Time) error { return nil }})
	assert.NoError(t, tick(context.Background(), time.Now()))
}
