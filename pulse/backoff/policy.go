// Package backoff decides whether a failing material may be polled again.
//
// Each fingerprint carries a failure count, the time of the last failure and
// the retry interval min(base * factor^count, max). A fresh Policy treats its
// own construction as an implicit prior event: no fingerprint without history
// is polled until one default interval has elapsed, so a restarted server does
// not poll every material at once.
package backoff

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/logger"
)

// Config holds the interval parameters
type Config struct {
	DefaultInterval time.Duration // startup guard before the first poll
	Base            time.Duration
	Factor          float64
	Max             time.Duration
}

// DefaultConfig mirrors the am defaults
func DefaultConfig() Config {
	return Config{
		DefaultInterval: 60 * time.Second,
		Base:            30 * time.Second,
		Factor:          2.0,
		Max:             time.Hour,
	}
}

// State is the failure history of one fingerprint
type State struct {
	Failures    int
	LastFailure time.Time
	Interval    time.Duration
}

// RetryAt is the earliest time the material may be polled again
func (s State) RetryAt() time.Time {
	return s.LastFailure.Add(s.Interval)
}

// Policy tracks failure history per fingerprint
type Policy struct {
	mu            sync.Mutex
	cfg           Config
	states        map[string]*State
	released      map[string]bool // fingerprints exempt from the startup guard
	constructedAt time.Time
	timeNow       func() time.Time // Injectable for testing
	log           *zap.SugaredLogger
}

// NewPolicy creates a policy with real time
func NewPolicy(cfg Config, log *zap.SugaredLogger) *Policy {
	return NewPolicyWithClock(cfg, log, time.Now)
}

// NewPolicyWithClock creates a policy with injectable clock (for testing)
func NewPolicyWithClock(cfg Config, log *zap.SugaredLogger, timeNow func() time.Time) *Policy {
	if log == nil {
		log = logger.Logger
	}
	return &Policy{
		cfg:           cfg,
		states:        make(map[string]*State),
		released:      make(map[string]bool),
		constructedAt: timeNow(),
		timeNow:       timeNow,
		log:           logger.AddBackoffSymbol(log.Named("backoff")),
	}
}

// SetConfig replaces the interval parameters. Existing intervals are kept;
// the next failure uses the new values.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// RecordFailure increments the failure count for fp and returns the new interval
func (p *Policy) RecordFailure(fingerprint string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[fingerprint]
	if !ok {
		st = &State{}
		p.states[fingerprint] = st
	}
	st.Failures++
	st.LastFailure = p.timeNow()
	next := p.intervalFor(st.Failures)
	// Never shrink, even if the config changed underneath an existing history
	if next > st.Interval {
		st.Interval = next
	}

	p.log.Debugw("Recorded material failure",
		logger.FieldFingerprint, fingerprint,
		"failures", st.Failures,
		logger.FieldInterval, st.Interval)

	return st.Interval
}

// intervalFor computes min(base * factor^count, max). Must be called with lock held.
func (p *Policy) intervalFor(count int) time.Duration {
	seconds := p.cfg.Base.Seconds() * math.Pow(p.cfg.Factor, float64(count))
	if math.IsInf(seconds, 0) || math.IsNaN(seconds) || seconds > p.cfg.Max.Seconds() {
		return p.cfg.Max
	}
	return time.Duration(seconds * float64(time.Second))
}

// ShouldBackOff reports whether fp must not be polled now
func (p *Policy) ShouldBackOff(fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.timeNow()
	if st, ok := p.states[fingerprint]; ok {
		return now.Before(st.RetryAt())
	}
	if p.released[fingerprint] {
		return false
	}
	return now.Before(p.constructedAt.Add(p.cfg.DefaultInterval))
}

// RecordSuccess clears all history for fp, including the startup guard
func (p *Policy) RecordSuccess(fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.states[fingerprint]; ok {
		p.log.Debugw("Material recovered",
			logger.FieldFingerprint, fingerprint,
			"failures", st.Failures)
	}
	delete(p.states, fingerprint)
	p.released[fingerprint] = true
}

// State returns a copy of the failure history for fp
func (p *Policy) State(fingerprint string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[fingerprint]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot returns copies of every tracked failure history
func (p *Policy) Snapshot() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]State, len(p.states))
	for fp, st := range p.states {
		out[fp] = *st
	}
	return out
}
