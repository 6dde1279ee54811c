// Package agent tracks build agents and decides what they should do next.
//
// An agent's state is a pair: the configuration status set by operators and
// the runtime status reported by the agent itself. The combined Status is
// derived from the pair, never stored.
package agent

// ConfigStatus is the operator-controlled dimension
type ConfigStatus string

const (
	ConfigPending  ConfigStatus = "Pending"
	ConfigEnabled  ConfigStatus = "Enabled"
	ConfigDisabled ConfigStatus = "Disabled"
)

// RuntimeStatus is the agent-reported dimension
type RuntimeStatus string

const (
	RuntimeIdle        RuntimeStatus = "Idle"
	RuntimeBuilding    RuntimeStatus = "Building"
	RuntimeCancelled   RuntimeStatus = "Cancelled"
	RuntimeLostContact RuntimeStatus = "LostContact"
	RuntimeMissing     RuntimeStatus = "Missing"
	RuntimeUnknown     RuntimeStatus = "Unknown"
)

// ParseRuntimeStatus accepts the values agents report, defaulting to Unknown
func ParseRuntimeStatus(s string) RuntimeStatus {
	switch RuntimeStatus(s) {
	case RuntimeIdle, RuntimeBuilding, RuntimeCancelled, RuntimeLostContact, RuntimeMissing:
		return RuntimeStatus(s)
	default:
		return RuntimeUnknown
	}
}

// Status is the combined state shown to operators
type Status string

const (
	StatusPending     Status = "Pending"
	StatusDisabled    Status = "Disabled"
	StatusIdle        Status = "Idle"
	StatusBuilding    Status = "Building"
	StatusCancelled   Status = "Cancelled"
	StatusLostContact Status = "LostContact"
	StatusMissing     Status = "Missing"
	StatusUnknown     Status = "Unknown"
)

// State is the product of both dimensions
type State struct {
	Config  ConfigStatus
	Runtime RuntimeStatus
}

// Status derives the combined status: Pending and Disabled dominate,
// otherwise the runtime status shows through
func (s State) Status() Status {
	switch s.Config {
	case ConfigPending:
		return StatusPending
	case ConfigDisabled:
		return StatusDisabled
	}
	switch s.Runtime {
	case RuntimeIdle:
		return StatusIdle
	case RuntimeBuilding:
		return StatusBuilding
	case RuntimeCancelled:
		return StatusCancelled
	case RuntimeLostContact:
		return StatusLostContact
	case RuntimeMissing:
		return StatusMissing
	default:
		return StatusUnknown
	}
}

// Instruction is the command sent back to a remote agent
type Instruction string

const (
	InstructionNone             Instruction = "none"
	InstructionCancel           Instruction = "cancel"
	InstructionKillRunningTasks Instruction = "kill_running_tasks"
)
