package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDriver_RunsPeriodically(t *testing.T) {
	var runs int32
	done := make(chan struct{})
	d := NewDriver("mdu", 5*time.Millisecond, func(ctx context.Context) {
		if atomic.AddInt32(&runs, 1) == 3 {
			close(done)
		}
	}, zaptest.NewLogger(t).Sugar())

	d.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not run three times")
	}
	d.Stop()

	assert.GreaterOrEqual(t, d.Stats().Runs, int64(3))
	assert.False(t, d.Stats().LastRunAt.IsZero())
}

func TestDriver_NeverOverlaps(t *testing.T) {
	var active, overlaps, runs int32
	done := make(chan struct{})

	d := NewDriver("slow", time.Millisecond, func(ctx context.Context) {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(10 * time.Millisecond) // longer than the interval
		atomic.AddInt32(&active, -1)
		if atomic.AddInt32(&runs, 1) == 5 {
			close(done)
		}
	}, nil)

	d.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver stalled")
	}
	d.Stop()
	assert.Zero(t, atomic.LoadInt32(&overlaps))
}

func TestDriver_SurvivesPanic(t *testing.T) {
	var runs int32
	done := make(chan struct{})
	d := NewDriver("panicky", time.Millisecond, func(ctx context.Context) {
		n := atomic.AddInt32(&runs, 1)
		if n == 1 {
			panic("first run explodes")
		}
		if n == 2 {
			close(done)
		}
	}, nil)

	d.Start()
	defer d.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver stopped after panic")
	}
}

func TestDriver_ZeroIntervalDisabled(t *testing.T) {
	var runs int32
	d := NewDriver("off", 0, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	}, nil)
	d.Start()
	time.Sleep(10 * time.Millisecond)
	d.Stop()
	assert.Zero(t, atomic.LoadInt32(&runs))
	assert.Zero(t, d.Stats().Runs)
}

func TestDriver_StopCancelsRunContext(t *testing.T) {
	started := make(chan struct{})
	var once int32
	var sawCancel int32
	d := NewDriver("ctx", time.Millisecond, func(ctx context.Context) {
		if atomic.CompareAndSwapInt32(&once, 0, 1) {
			close(started)
		}
		<-ctx.Done()
		atomic.StoreInt32(&sawCancel, 1)
	}, nil)

	d.Start()
	<-started
	d.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawCancel))
}

func TestDriver_SetInterval(t *testing.T) {
	d := NewDriver("x", time.Minute, func(context.Context) {}, nil)
	d.SetInterval(2 * time.Minute)
	require.Equal(t, 2*time.Minute, d.Interval())
	assert.Equal(t, 2*time.Minute, d.Stats().Interval)
}
