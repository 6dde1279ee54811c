// Package schedule drives periodic work with a single-shot timer.
//
// The timer is re-armed only after the previous run returns, so a run that
// takes longer than the interval delays the next one instead of overlapping
// it.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/logger"
)

// RunFunc is one unit of periodic work
type RunFunc func(ctx context.Context)

// Driver invokes a RunFunc every interval
type Driver struct {
	name     string
	run      RunFunc
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu        sync.Mutex
	lastRunAt time.Time
	runs      int64
}

// Stats describes past runs
type Stats struct {
	Runs      int64
	LastRunAt time.Time
	Interval  time.Duration
}

// NewDriver creates a driver. A non-positive interval disables it.
func NewDriver(name string, interval time.Duration, run RunFunc, log *zap.SugaredLogger) *Driver {
	return NewDriverWithContext(context.Background(), name, interval, run, log)
}

// NewDriverWithContext creates a driver with a parent context
func NewDriverWithContext(ctx context.Context, name string, interval time.Duration, run RunFunc, log *zap.SugaredLogger) *Driver {
	if log == nil {
		log = logger.Logger
	}
	driverCtx, cancel := context.WithCancel(ctx)
	return &Driver{
		name:     name,
		run:      run,
		interval: interval,
		ctx:      driverCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log.Named("schedule").With("driver", name)),
	}
}

// Start begins the timer loop
func (d *Driver) Start() {
	interval := d.Interval()
	if interval <= 0 {
		d.pulseLog.Infow("Driver disabled (interval is zero)")
		return
	}
	d.wg.Add(1)
	go d.loop(interval)
	d.pulseLog.Infow("Driver started", logger.FieldInterval, interval)
}

// Stop cancels the loop and waits for an in-flight run to return
func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
	d.pulseLog.Infow("Driver stopped")
}

// SetInterval changes the period; it applies when the timer is next armed
func (d *Driver) SetInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interval = interval
}

// Interval returns the current period
func (d *Driver) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Stats returns run counters
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Runs: d.runs, LastRunAt: d.lastRunAt, Interval: d.interval}
}

func (d *Driver) loop(interval time.Duration) {
	defer d.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case tickTime := <-timer.C:
			d.mu.Lock()
			d.lastRunAt = tickTime
			d.runs++
			d.mu.Unlock()

			d.execute()

			next := d.Interval()
			if next <= 0 {
				d.pulseLog.Infow("Driver paused (interval set to zero)")
				return
			}
			timer.Reset(next)
		}
	}
}

// execute isolates panics so one bad run does not stop the schedule
func (d *Driver) execute() {
	defer func() {
		if r := recover(); r != nil {
			d.pulseLog.Errorw("Driver run panicked", "panic", r)
		}
	}()
	d.run(d.ctx)
}
