package agent

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/health"
	"github.com/teranos/drover/logger"
)

// DefaultStuckCancelAfter is how long a cancellation may be outstanding
// before operators are warned
const DefaultStuckCancelAfter = 10 * time.Minute

// RegistryOptions configures a Registry
type RegistryOptions struct {
	Instance         Options
	Health           health.Reporter
	MinAgentVersion  string        // semver; empty accepts any version
	StuckCancelAfter time.Duration // zero means DefaultStuckCancelAfter
	LowDiskSpace     int64         // bytes; zero disables the check
	Logger           *zap.SugaredLogger
}

// Registry holds every known agent by uuid
type Registry struct {
	opts       RegistryOptions
	minVersion *semver.Version
	log        *zap.SugaredLogger

	mu     sync.RWMutex
	agents map[string]*Instance
	stuck  map[string]bool // agents with a raised stuck-in-cancel warning
	low    map[string]bool // agents with a raised low disk warning
}

// NewRegistry creates an empty registry. An unparseable MinAgentVersion is
// an invalid request.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	if opts.StuckCancelAfter == 0 {
		opts.StuckCancelAfter = DefaultStuckCancelAfter
	}
	opts.Instance = opts.Instance.withDefaults()

	r := &Registry{
		opts:   opts,
		log:    logger.AddAgentSymbol(log.Named("agents")),
		agents: make(map[string]*Instance),
		stuck:  make(map[string]bool),
		low:    make(map[string]bool),
	}
	if opts.MinAgentVersion != "" {
		v, err := semver.NewVersion(opts.MinAgentVersion)
		if err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "invalid minimum agent version %q", opts.MinAgentVersion),
				errors.ErrInvalidRequest)
		}
		r.minVersion = v
	}
	return r, nil
}

// Sync reconciles the registry with configured agents. Configured agents are
// created or updated; agents removed from configuration are dropped unless
// still pending approval.
func (r *Registry) Sync(configs []Config) {
	seen := make(map[string]bool, len(configs))

	type pending struct {
		a   *Instance
		cfg Config
	}
	var toSync []pending

	r.mu.Lock()
	for _, cfg := range configs {
		seen[cfg.UUID] = true
		if a, ok := r.agents[cfg.UUID]; ok {
			toSync = append(toSync, pending{a, cfg})
			continue
		}
		r.agents[cfg.UUID] = CreateFromConfig(cfg, r.opts.Instance)
	}
	for id, a := range r.agents {
		if !seen[id] && a.IsRegistered() {
			delete(r.agents, id)
		}
	}
	r.mu.Unlock()

	for _, s := range toSync {
		s.a.SyncConfig(s.cfg)
	}
}

// Heartbeat applies a report from a remote agent and returns its next
// instruction. Unknown agents are registered as Pending.
func (r *Registry) Heartbeat(info RuntimeInfo) (Instruction, error) {
	if info.UUID == "" {
		return InstructionNone, errors.NewInvalidRequestError("agent heartbeat without uuid")
	}
	if err := r.checkVersion(info.Version); err != nil {
		return InstructionNone, err
	}

	r.mu.Lock()
	a, ok := r.agents[info.UUID]
	if !ok {
		a = CreateFromLiveAgent(info, r.opts.Instance)
		r.agents[info.UUID] = a
	}
	r.mu.Unlock()

	if !ok {
		r.log.Infow("New agent awaiting approval",
			logger.FieldAgentUUID, info.UUID,
			logger.FieldHostname, info.Hostname,
			logger.FieldAddress, info.IPAddress)
		return InstructionNone, nil
	}

	a.Update(info)
	r.checkDiskSpace(a)
	return a.Instruction(), nil
}

func (r *Registry) checkVersion(version string) error {
	if r.minVersion == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Mark(
			errors.Newf("agent version %q is not a valid version", version),
			errors.ErrForbidden)
	}
	if v.LessThan(r.minVersion) {
		return errors.WithHintf(
			errors.Mark(errors.Newf("agent version %s is older than the minimum %s", v, r.minVersion), errors.ErrForbidden),
			"Upgrade the agent to %s or later", r.minVersion)
	}
	return nil
}

func (r *Registry) checkDiskSpace(a *Instance) {
	if r.opts.Health == nil || r.opts.LowDiskSpace <= 0 {
		return
	}
	snap := a.Snapshot()
	scope := diskScope(snap.UUID)

	r.mu.Lock()
	raised := r.low[snap.UUID]
	low := snap.FreeSpace.IsLow(r.opts.LowDiskSpace)
	r.low[snap.UUID] = low
	r.mu.Unlock()

	switch {
	case low && !raised:
		r.opts.Health.Update(health.Warning(scope,
			fmt.Sprintf("Agent %s is running low on disk space", snap.Hostname),
			fmt.Sprintf("Usable space is %s, below the limit of %s.", snap.FreeSpace, KnownDiskSpace(r.opts.LowDiskSpace))))
	case !low && raised:
		r.opts.Health.RemoveByScope(scope)
	}
}

// diskScope keeps low disk warnings apart from the agent's other entries
func diskScope(uuid string) health.Scope {
	return health.Scope{Kind: health.ScopeAgent, Key: uuid + "/disk"}
}

// Known reports whether uuid is in the registry
func (r *Registry) Known(uuid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[uuid]
	return ok
}

// Get returns the agent with uuid
func (r *Registry) Get(uuid string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[uuid]
	if !ok {
		return nil, errors.NewNotFoundError("agent %s", uuid)
	}
	return a, nil
}

// All returns every agent ordered by hostname
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, (*Instance).Compare)
	return out
}

// Enable approves an agent
func (r *Registry) Enable(uuid string) error {
	a, err := r.Get(uuid)
	if err != nil {
		return err
	}
	a.Enable()
	return nil
}

// Deny disables an agent
func (r *Registry) Deny(uuid string) error {
	a, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return a.Deny()
}

// Cancel arms a cancel instruction for the agent's next heartbeat
func (r *Registry) Cancel(uuid string) error {
	a, err := r.Get(uuid)
	if err != nil {
		return err
	}
	a.Cancel()
	r.log.Infow("Agent cancelled", logger.FieldAgentUUID, uuid)
	return nil
}

// KillRunningTasks escalates a cancellation
func (r *Registry) KillRunningTasks(uuid string) error {
	a, err := r.Get(uuid)
	if err != nil {
		return err
	}
	return a.KillRunningTasks()
}

// Remove drops a disabled agent that is not building
func (r *Registry) Remove(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[uuid]
	if !ok {
		return errors.NewNotFoundError("agent %s", uuid)
	}
	st := a.State()
	if st.Config != ConfigDisabled || st.Runtime == RuntimeBuilding || st.Runtime == RuntimeCancelled {
		return errors.NewIllegalTransitionf("agent %s must be disabled and idle before removal (status %s)",
			uuid, st.Status())
	}
	delete(r.agents, uuid)
	delete(r.stuck, uuid)
	delete(r.low, uuid)
	return nil
}

// AssignableJob picks the first plan for an enabled, idle agent
func (r *Registry) AssignableJob(uuid string, plans []JobPlan) (JobPlan, bool) {
	a, err := r.Get(uuid)
	if err != nil {
		return JobPlan{}, false
	}
	if a.Status() != StatusIdle {
		return JobPlan{}, false
	}
	return a.FirstMatching(plans)
}

// RefreshAll runs the heartbeat watchdog over every agent
func (r *Registry) RefreshAll() {
	for _, a := range r.All() {
		a.Refresh()
	}
}

// CheckStuckCancels raises a per-agent warning for every cancellation
// outstanding longer than the configured limit and clears warnings for
// agents that recovered. It returns the uuids currently stuck.
func (r *Registry) CheckStuckCancels() []string {
	var stuck []string
	for _, a := range r.All() {
		snap := a.Snapshot()
		isStuck := a.IsStuckInCancel(r.opts.StuckCancelAfter)

		r.mu.Lock()
		raised := r.stuck[snap.UUID]
		r.stuck[snap.UUID] = isStuck
		r.mu.Unlock()

		if isStuck {
			stuck = append(stuck, snap.UUID)
		}
		if r.opts.Health == nil {
			continue
		}
		scope := health.ForAgent(snap.UUID)
		switch {
		case isStuck && !raised:
			minutes := int(r.opts.StuckCancelAfter / time.Minute)
			r.opts.Health.Update(health.Warning(scope,
				fmt.Sprintf("Agent %s is stuck in cancel", snap.Hostname),
				fmt.Sprintf("The job on agent %s (%s) was cancelled more than %d minute(s) ago and has not stopped. Job: %s",
					snap.Hostname, snap.UUID, minutes, snap.Building.Locator)))
			r.log.Warnw("Agent stuck in cancel",
				logger.FieldAgentUUID, snap.UUID,
				logger.FieldHostname, snap.Hostname)
		case !isStuck && raised:
			r.opts.Health.RemoveByScope(scope)
		}
	}
	return stuck
}
