// Package mdu coordinates material updates.
//
// The Coordinator owns the in-progress table. An auto-update material is in
// flight at most once: a second request while the first is running is
// dropped, not queued. Requests are routed to the config-repo, dependency or
// SCM queue, and results come back through OnMessage, which clears the entry
// and forwards the event to the broadcaster.
package mdu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/health"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/pulse/broadcast"
	"github.com/teranos/drover/pulse/queue"
)

// ConfigSource is the read-only view of configured materials
type ConfigSource interface {
	// SchedulableMaterials returns auto-update materials the timer should poll
	SchedulableMaterials(ctx context.Context) ([]material.Material, error)
	// AllMaterials returns every configured material, for post-commit matching
	AllMaterials(ctx context.Context) ([]material.Material, error)
	// IsConfigRepo reports whether fp belongs to a config repository
	IsConfigRepo(ctx context.Context, fingerprint string) bool
	// DependentsOf returns dependency materials whose upstream pipelines consume fp
	DependentsOf(ctx context.Context, fingerprint string) ([]material.Material, error)
	// MaintenanceMode reports whether scheduling is suspended
	MaintenanceMode(ctx context.Context) bool
}

// BackoffChecker gates timer-driven polls
type BackoffChecker interface {
	ShouldBackOff(fingerprint string) bool
}

// Publisher forwards update outcomes
type Publisher interface {
	Publish(ctx context.Context, e broadcast.Event) int
}

// Options wires a Coordinator
type Options struct {
	Config          ConfigSource
	Backoff         BackoffChecker
	Health          health.Reporter
	Broadcaster     Publisher
	SCMQueue        queue.Poster[UpdateMessage]
	DependencyQueue queue.Poster[UpdateMessage]
	ConfigQueue     queue.Poster[UpdateMessage]
	Authorizer      Authorizer
	Hooks           []PostCommitHook   // nil installs the git and svn hooks
	HungThreshold   time.Duration      // zero disables hung detection
	NotifyPerMinute int                // zero means unlimited
	Clock           func() time.Time   // nil means time.Now
	Logger          *zap.SugaredLogger // nil means logger.Logger
}

type inFlight struct {
	started      time.Time
	lastActivity time.Time
	count        int // concurrent requests; only >1 for non-auto-update materials
}

// TickResult summarizes one OnTimer pass
type TickResult struct {
	Skipped    bool // overlapping tick or maintenance mode
	Considered int
	BackedOff  int
	Posted     int
	Deduped    int
	Failed     int
}

// retriggerPostTimeout bounds a retrigger post to a queue that cannot TryPost
const retriggerPostTimeout = time.Second

// Coordinator routes material updates and tracks what is in flight
type Coordinator struct {
	config  ConfigSource
	backoff BackoffChecker
	health  health.Reporter
	bc      Publisher
	scm     queue.Poster[UpdateMessage]
	dep     queue.Poster[UpdateMessage]
	cfgRepo queue.Poster[UpdateMessage]
	auth    Authorizer
	hooks   map[string]PostCommitHook
	timeNow func() time.Time
	log     *zap.SugaredLogger

	tickMu sync.Mutex

	mu              sync.Mutex
	inProgress      map[string]*inFlight
	hungThreshold   time.Duration
	notifyPerMinute int
	limiters        map[string]*rate.Limiter
}

// New creates a Coordinator. Queues, Config and Broadcaster are required.
func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = []PostCommitHook{GitHook{}, SvnHook{}}
	}
	byType := make(map[string]PostCommitHook, len(hooks))
	for _, h := range hooks {
		byType[h.Type()] = h
	}

	return &Coordinator{
		config:          opts.Config,
		backoff:         opts.Backoff,
		health:          opts.Health,
		bc:              opts.Broadcaster,
		scm:             opts.SCMQueue,
		dep:             opts.DependencyQueue,
		cfgRepo:         opts.ConfigQueue,
		auth:            opts.Authorizer,
		hooks:           byType,
		timeNow:         clock,
		log:             logger.AddMaterialSymbol(log.Named("mdu")),
		inProgress:      make(map[string]*inFlight),
		hungThreshold:   opts.HungThreshold,
		notifyPerMinute: opts.NotifyPerMinute,
		limiters:        make(map[string]*rate.Limiter),
	}
}

// SetHungThreshold changes the idle time after which an in-flight update is reported hung
func (c *Coordinator) SetHungThreshold(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungThreshold = d
}

// SetNotifyPerMinute changes the post-commit rate limit; existing limiters are rebuilt
func (c *Coordinator) SetNotifyPerMinute(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyPerMinute = n
	c.limiters = make(map[string]*rate.Limiter)
}

// UpdateMaterial requests an update for m. For an auto-update material that
// is already in flight it returns false and posts nothing.
func (c *Coordinator) UpdateMaterial(ctx context.Context, m material.Material) (bool, error) {
	return c.updateMaterial(ctx, m, TriggerManual)
}

func (c *Coordinator) updateMaterial(ctx context.Context, m material.Material, trigger Trigger) (bool, error) {
	fp := m.Fingerprint()
	now := c.timeNow()

	c.mu.Lock()
	entry, running := c.inProgress[fp]
	if running && m.AutoUpdate {
		idle := now.Sub(entry.lastActivity)
		threshold := c.hungThreshold
		c.mu.Unlock()

		if threshold > 0 && idle > threshold {
			c.reportHung(m, threshold)
		}
		c.log.Debugw("Update already in progress",
			logger.FieldFingerprint, fp,
			logger.FieldMaterial, m.DisplayName(),
			"idle", idle)
		return false, nil
	}
	if running {
		entry.count++
	} else {
		c.inProgress[fp] = &inFlight{started: now, lastActivity: now, count: 1}
	}
	c.mu.Unlock()

	target, queueName := c.queueFor(ctx, m)
	msg := NewUpdateMessage(m, trigger, now)
	if err := post(ctx, target, msg); err != nil {
		c.release(fp)
		err = errors.Wrapf(err, "failed to post update for %s", m.DisplayName())
		err = errors.WithDetail(err, fmt.Sprintf("Fingerprint: %s", fp))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", queueName))
		return false, err
	}

	c.log.Debugw("Update posted",
		logger.FieldFingerprint, fp,
		logger.FieldMaterial, m.DisplayName(),
		logger.FieldQueue, queueName,
		logger.FieldMessageID, msg.ID,
		"trigger", trigger)
	return true, nil
}

// post enqueues msg. Dependency retriggers come from a queue consumer, so
// they refuse a full buffer instead of waiting on it.
func post(ctx context.Context, target queue.Poster[UpdateMessage], msg UpdateMessage) error {
	if msg.Trigger != TriggerDependency {
		return target.Post(ctx, msg)
	}
	if tp, ok := target.(queue.TryPoster[UpdateMessage]); ok {
		return tp.TryPost(msg)
	}
	ctx, cancel := context.WithTimeout(ctx, retriggerPostTimeout)
	defer cancel()
	return target.Post(ctx, msg)
}

// queueFor classifies m: config-repo, then dependency, else SCM
func (c *Coordinator) queueFor(ctx context.Context, m material.Material) (queue.Poster[UpdateMessage], string) {
	if c.config.IsConfigRepo(ctx, m.Fingerprint()) {
		return c.cfgRepo, "config"
	}
	if m.Kind == material.KindDependency {
		return c.dep, "dependency"
	}
	return c.scm, "scm"
}

func (c *Coordinator) reportHung(m material.Material, threshold time.Duration) {
	if c.health == nil {
		return
	}
	scope := health.ForMaterialUpdate(m.Fingerprint())
	minutes := int(threshold / time.Minute)
	c.health.RemoveByScope(scope)
	c.health.Update(health.Warning(scope,
		fmt.Sprintf("Material update for %s hung:", m.DisplayName()),
		fmt.Sprintf("Material update is currently running but has not shown any activity in the last %d minute(s). This may be hung. Details - %s",
			minutes, m.LongDescription())))
}

// release drops one in-flight request for fp
func (c *Coordinator) release(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.inProgress[fp]
	if !ok {
		return
	}
	entry.count--
	if entry.count <= 0 {
		delete(c.inProgress, fp)
	}
}

// RecordActivity notes progress on an in-flight update, deferring hung detection
func (c *Coordinator) RecordActivity(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.inProgress[fingerprint]; ok {
		entry.lastActivity = c.timeNow()
	}
}

// IsInProgress reports whether an update for fp is in flight
func (c *Coordinator) IsInProgress(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inProgress[fingerprint]
	return ok
}

// InProgress returns start times of in-flight updates by fingerprint
func (c *Coordinator) InProgress() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]time.Time, len(c.inProgress))
	for fp, entry := range c.inProgress {
		out[fp] = entry.started
	}
	return out
}

// OnTimer polls every schedulable material not denied by backoff. An
// overlapping call returns immediately.
func (c *Coordinator) OnTimer(ctx context.Context) TickResult {
	if !c.tickMu.TryLock() {
		c.log.Infow("Previous material poll still running, skipping tick")
		return TickResult{Skipped: true}
	}
	defer c.tickMu.Unlock()

	if c.config.MaintenanceMode(ctx) {
		c.log.Debugw("Server in maintenance mode, not polling materials")
		return TickResult{Skipped: true}
	}

	materials, err := c.config.SchedulableMaterials(ctx)
	if err != nil {
		c.log.Warnw("Failed to list schedulable materials", logger.FieldError, err)
		return TickResult{}
	}

	var res TickResult
	for _, m := range materials {
		if ctx.Err() != nil {
			break
		}
		res.Considered++

		if c.backoff != nil && c.backoff.ShouldBackOff(m.Fingerprint()) {
			res.BackedOff++
			continue
		}

		posted, err := c.updateMaterial(ctx, m, TriggerTimer)
		switch {
		case err != nil:
			res.Failed++
			c.log.Errorw("Failed to schedule material update",
				logger.FieldMaterial, m.DisplayName(),
				logger.FieldError, err)
		case posted:
			res.Posted++
		default:
			res.Deduped++
		}
	}

	c.log.Debugw("Material poll complete",
		"considered", res.Considered,
		"posted", res.Posted,
		"backed_off", res.BackedOff,
		"deduped", res.Deduped,
		"failed", res.Failed)
	return res
}

// OnMessage handles an update outcome: it clears the in-progress entry,
// adjusts material-update health and forwards the event to the broadcaster
func (c *Coordinator) OnMessage(ctx context.Context, e broadcast.Event) error {
	fp := e.Fingerprint()
	c.release(fp)

	if c.health != nil {
		scope := health.ForMaterialUpdate(fp)
		switch e.Kind {
		case broadcast.KindCompleted:
			c.health.RemoveByScope(scope)
		case broadcast.KindFailed:
			c.health.RemoveByScope(scope)
			c.health.Update(health.Warning(scope,
				fmt.Sprintf("Modification check failed for material: %s", e.Material.DisplayName()),
				e.Reason))
		}
	}

	if e.At.IsZero() {
		e.At = c.timeNow()
	}
	if faults := c.bc.Publish(ctx, e); faults > 0 {
		c.log.Warnw("Some update listeners failed",
			logger.FieldFingerprint, fp,
			"kind", e.Kind,
			"faults", faults)
	}
	return nil
}
