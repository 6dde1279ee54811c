package agent

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/teranos/drover/errors"
)

// DefaultHeartbeatTimeout is how long an agent may stay silent before it is
// considered to have lost contact
const DefaultHeartbeatTimeout = 300 * time.Second

// BuildingInfo describes the job an agent is running
type BuildingInfo struct {
	Description string `json:"description,omitempty"`
	Locator     string `json:"locator,omitempty"`
}

// IsBuilding reports whether the info names a job
func (b BuildingInfo) IsBuilding() bool {
	return b.Locator != ""
}

// NotBuilding is the empty building info
var NotBuilding = BuildingInfo{}

// ElasticMetadata identifies an agent launched by an elastic plugin
type ElasticMetadata struct {
	AgentID  string `json:"elastic_agent_id,omitempty"`
	PluginID string `json:"elastic_plugin_id,omitempty"`
}

// IsElastic reports whether both ids are present
func (e ElasticMetadata) IsElastic() bool {
	return e.AgentID != "" && e.PluginID != ""
}

// Config is the operator-side record of an agent
type Config struct {
	UUID      string
	Hostname  string
	IPAddress string
	Resources []string
	Disabled  bool
	Elastic   ElasticMetadata
}

// RuntimeInfo is what an agent reports on each heartbeat
type RuntimeInfo struct {
	UUID        string          `json:"uuid"`
	Hostname    string          `json:"hostname"`
	IPAddress   string          `json:"ip"`
	Location    string          `json:"location,omitempty"`
	Status      RuntimeStatus   `json:"status"`
	Building    BuildingInfo    `json:"building"`
	UsableSpace *int64          `json:"usable_space,omitempty"`
	Version     string          `json:"version,omitempty"`
	Resources   []string        `json:"resources,omitempty"`
	Elastic     ElasticMetadata `json:"elastic"`
}

// Snapshot is a point-in-time copy of an instance handed to listeners and callers
type Snapshot struct {
	UUID         string
	Hostname     string
	IPAddress    string
	Location     string
	Resources    []string
	State        State
	Status       Status
	Building     BuildingInfo
	FreeSpace    DiskSpace
	LastHeard    time.Time
	CancelledAt  time.Time
	KillRequired bool
	Elastic      ElasticMetadata
	Version      string
}

// StatusChangeListener is told once per changed dimension
type StatusChangeListener interface {
	OnAgentStatusChange(s Snapshot)
}

// StatusChangeFunc adapts a function to StatusChangeListener
type StatusChangeFunc func(s Snapshot)

func (f StatusChangeFunc) OnAgentStatusChange(s Snapshot) { f(s) }

// Options shared by instances
type Options struct {
	HeartbeatTimeout time.Duration    // zero means DefaultHeartbeatTimeout
	Clock            func() time.Time // nil means time.Now
	Listener         StatusChangeListener
}

func (o Options) withDefaults() Options {
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Instance is the server's view of one agent
type Instance struct {
	mu sync.Mutex

	uuid        string
	hostname    string
	ip          string
	location    string
	resources   []string
	elastic     ElasticMetadata
	version     string
	state       State
	building    BuildingInfo
	usableSpace *int64
	lastHeard   time.Time
	cancelledAt time.Time
	killRequest bool

	opts Options
}

// CreateFromConfig builds an instance for a configured agent that has not
// been heard from: Missing, or Disabled if so configured
func CreateFromConfig(cfg Config, opts Options) *Instance {
	a := &Instance{
		uuid:      cfg.UUID,
		hostname:  cfg.Hostname,
		ip:        cfg.IPAddress,
		resources: normalizeResources(cfg.Resources),
		elastic:   cfg.Elastic,
		state:     State{Config: ConfigEnabled, Runtime: RuntimeMissing},
		opts:      opts.withDefaults(),
	}
	if cfg.Disabled {
		a.state.Config = ConfigDisabled
	}
	return a
}

// CreateFromLiveAgent builds a Pending instance on first contact from an
// unknown agent
func CreateFromLiveAgent(info RuntimeInfo, opts Options) *Instance {
	opts = opts.withDefaults()
	runtime := info.Status
	if runtime == "" {
		runtime = RuntimeUnknown
	}
	return &Instance{
		uuid:        info.UUID,
		hostname:    info.Hostname,
		ip:          info.IPAddress,
		location:    info.Location,
		resources:   normalizeResources(info.Resources),
		elastic:     info.Elastic,
		version:     info.Version,
		state:       State{Config: ConfigPending, Runtime: runtime},
		building:    info.Building,
		usableSpace: info.UsableSpace,
		lastHeard:   opts.Clock(),
		opts:        opts,
	}
}

// UUID is the stable identity of the agent
func (a *Instance) UUID() string {
	return a.uuid
}

// State returns both dimensions
func (a *Instance) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns the derived combined status
func (a *Instance) Status() Status {
	return a.State().Status()
}

// Snapshot copies the current state
func (a *Instance) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Instance) snapshotLocked() Snapshot {
	return Snapshot{
		UUID:         a.uuid,
		Hostname:     a.hostname,
		IPAddress:    a.ip,
		Location:     a.location,
		Resources:    slices.Clone(a.resources),
		State:        a.state,
		Status:       a.state.Status(),
		Building:     a.building,
		FreeSpace:    a.freeDiskSpaceLocked(),
		LastHeard:    a.lastHeard,
		CancelledAt:  a.cancelledAt,
		KillRequired: a.killRequest,
		Elastic:      a.elastic,
		Version:      a.version,
	}
}

// transition applies fn under the lock and notifies once per changed
// dimension, but only for agents that were registered before the change
func (a *Instance) transition(fn func() error) error {
	a.mu.Lock()
	before := a.state
	err := fn()
	after := a.state
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if a.opts.Listener == nil || before.Config == ConfigPending {
		return err
	}
	if before.Config != after.Config {
		a.opts.Listener.OnAgentStatusChange(snap)
	}
	if before.Runtime != after.Runtime {
		a.opts.Listener.OnAgentStatusChange(snap)
	}
	return err
}

// IsRegistered reports whether the agent has been approved or denied
func (a *Instance) IsRegistered() bool {
	return a.State().Config != ConfigPending
}

// IsElastic reports whether an elastic plugin launched the agent
func (a *Instance) IsElastic() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.elastic.IsElastic()
}

// Enable approves the agent. Approving a pending agent makes it Idle.
func (a *Instance) Enable() {
	_ = a.transition(func() error {
		if a.state.Config == ConfigPending {
			a.state.Runtime = RuntimeIdle
		}
		a.state.Config = ConfigEnabled
		return nil
	})
}

// Deny disables the agent. A building agent cannot be denied; a cancelled
// one can.
func (a *Instance) Deny() error {
	return a.transition(func() error {
		if a.state.Runtime == RuntimeBuilding {
			return errors.NewIllegalTransitionf("cannot deny agent %s while it is building %s",
				a.displayLocked(), a.building.Locator)
		}
		a.state.Config = ConfigDisabled
		return nil
	})
}

// CanDeny reports whether Deny would succeed
func (a *Instance) CanDeny() bool {
	return a.State().Runtime != RuntimeBuilding
}

// Update applies a heartbeat. Cancelled sticks until the agent reports Idle.
func (a *Instance) Update(info RuntimeInfo) {
	_ = a.transition(func() error {
		a.lastHeard = a.opts.Clock()
		if info.Location != "" {
			a.location = info.Location
		}
		if info.UsableSpace != nil {
			space := *info.UsableSpace
			a.usableSpace = &space
		}
		if info.Version != "" {
			a.version = info.Version
		}
		if info.Hostname != "" {
			a.hostname = info.Hostname
		}
		if info.IPAddress != "" && a.ipChangeRequiredLocked(info.IPAddress) {
			a.ip = info.IPAddress
		}
		if info.Elastic.IsElastic() {
			a.elastic = info.Elastic
		}

		reported := info.Status
		if reported == "" {
			reported = RuntimeUnknown
		}
		if reported == RuntimeIdle {
			a.building = NotBuilding
		} else {
			a.building = info.Building
		}

		if a.state.Runtime == RuntimeCancelled {
			if reported != RuntimeIdle {
				return nil
			}
			a.cancelledAt = time.Time{}
			a.killRequest = false
		}
		a.state.Runtime = reported
		return nil
	})
}

// Building marks the agent as running a job assigned by the server
func (a *Instance) Building(info BuildingInfo) {
	_ = a.transition(func() error {
		a.building = info
		if a.state.Runtime != RuntimeCancelled {
			a.state.Runtime = RuntimeBuilding
		}
		return nil
	})
}

// Idle marks the agent as free
func (a *Instance) Idle() {
	_ = a.transition(func() error {
		a.building = NotBuilding
		a.cancelledAt = time.Time{}
		a.killRequest = false
		a.state.Runtime = RuntimeIdle
		return nil
	})
}

// Cancel forces Cancelled and stamps the cancellation time. Cancelling an
// already cancelled agent keeps the original stamp.
func (a *Instance) Cancel() {
	_ = a.transition(func() error {
		if a.state.Runtime == RuntimeCancelled {
			return nil
		}
		a.state.Runtime = RuntimeCancelled
		a.cancelledAt = a.opts.Clock()
		a.killRequest = false
		return nil
	})
}

// KillRunningTasks escalates a cancellation. It is only legal once per
// cancellation.
func (a *Instance) KillRunningTasks() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Runtime != RuntimeCancelled {
		return errors.NewIllegalTransitionf("agent %s must be cancelled before its tasks can be killed",
			a.displayLocked())
	}
	if a.killRequest {
		return errors.NewIllegalTransitionf("kill already requested for agent %s", a.displayLocked())
	}
	a.killRequest = true
	return nil
}

// Instruction derives the command for the remote agent
func (a *Instance) Instruction() Instruction {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state.Runtime == RuntimeCancelled && a.killRequest:
		return InstructionKillRunningTasks
	case a.state.Runtime == RuntimeCancelled:
		return InstructionCancel
	default:
		return InstructionNone
	}
}

// Refresh is the watchdog tick. An agent never heard from is marked
// Missing; one silent for the heartbeat timeout loses contact. Pending and
// Disabled agents are left alone.
func (a *Instance) Refresh() {
	_ = a.transition(func() error {
		if a.state.Config == ConfigPending || a.state.Config == ConfigDisabled {
			return nil
		}
		now := a.opts.Clock()
		if a.lastHeard.IsZero() {
			a.lastHeard = now
			a.state.Runtime = RuntimeMissing
			return nil
		}
		if now.Sub(a.lastHeard) >= a.opts.HeartbeatTimeout {
			a.state.Runtime = RuntimeLostContact
		}
		return nil
	})
}

// LostContact marks a registered, enabled agent as unreachable
func (a *Instance) LostContact() {
	_ = a.transition(func() error {
		if a.state.Config == ConfigEnabled {
			a.state.Runtime = RuntimeLostContact
		}
		return nil
	})
}

// SyncConfig applies the operator-side record. Approving a pending agent
// makes it Idle.
func (a *Instance) SyncConfig(cfg Config) {
	_ = a.transition(func() error {
		if cfg.Hostname != "" {
			a.hostname = cfg.Hostname
		}
		if cfg.IPAddress != "" {
			a.ip = cfg.IPAddress
		}
		a.resources = normalizeResources(cfg.Resources)
		a.elastic = cfg.Elastic

		switch {
		case cfg.Disabled:
			a.state.Config = ConfigDisabled
		case a.state.Config == ConfigPending:
			a.state.Config = ConfigEnabled
			a.state.Runtime = RuntimeIdle
		default:
			a.state.Config = ConfigEnabled
		}
		return nil
	})
}

// IsIPChangeRequired reports whether a registered agent now reports a
// different address
func (a *Instance) IsIPChangeRequired(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ipChangeRequiredLocked(ip)
}

func (a *Instance) ipChangeRequiredLocked(ip string) bool {
	return a.state.Config != ConfigPending && a.ip != ip
}

// FreeDiskSpace is unknown for agents that cannot currently report it
func (a *Instance) FreeDiskSpace() DiskSpace {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeDiskSpaceLocked()
}

func (a *Instance) freeDiskSpaceLocked() DiskSpace {
	if a.usableSpace == nil || a.state.Runtime == RuntimeMissing || a.state.Runtime == RuntimeLostContact {
		return DiskSpace{}
	}
	return KnownDiskSpace(*a.usableSpace)
}

// IsLowDiskSpace reports whether the known free space is below limit bytes
func (a *Instance) IsLowDiskSpace(limit int64) bool {
	return a.FreeDiskSpace().IsLow(limit)
}

// IsMissing reports whether the agent has never been heard from
func (a *Instance) IsMissing() bool {
	return a.State().Runtime == RuntimeMissing
}

// IsStuckInCancel reports whether a cancellation has been outstanding longer than after
func (a *Instance) IsStuckInCancel(after time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Runtime == RuntimeCancelled &&
		!a.cancelledAt.IsZero() &&
		a.opts.Clock().Sub(a.cancelledAt) > after
}

// Compare orders agents by hostname, then uuid
func (a *Instance) Compare(other *Instance) int {
	if a == other {
		return 0
	}
	x, y := a.Snapshot(), other.Snapshot()
	if c := strings.Compare(x.Hostname, y.Hostname); c != 0 {
		return c
	}
	return strings.Compare(x.UUID, y.UUID)
}

func (a *Instance) displayLocked() string {
	if a.hostname == "" {
		return a.uuid
	}
	return a.hostname + " (" + a.uuid + ")"
}

// ParseResources splits a comma-separated resource list
func ParseResources(s string) []string {
	return normalizeResources(strings.Split(s, ","))
}

func normalizeResources(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}
