package server

import (
	"time"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/health"
)

const (
	// ShutdownTimeout is how long Stop waits for background goroutines
	ShutdownTimeout = 30 * time.Second

	// adminUser is the identity granted to requests carrying the admin token
	adminUser = "admin"
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateStarting ServerState = iota // Wired, not yet serving
	ServerStateRunning                     // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// HealthEntry is the JSON form of a health.State
type HealthEntry struct {
	Scope       string    `json:"scope"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

func healthEntry(st health.State) HealthEntry {
	return HealthEntry{
		Scope:       st.Scope.String(),
		Severity:    string(st.Severity),
		Message:     st.Message,
		Description: st.Description,
		At:          st.At,
	}
}

// AgentView is the JSON form of an agent snapshot
type AgentView struct {
	UUID        string    `json:"uuid"`
	Hostname    string    `json:"hostname"`
	IPAddress   string    `json:"ip"`
	Location    string    `json:"location,omitempty"`
	Status      string    `json:"status"`
	Config      string    `json:"config_status"`
	Runtime     string    `json:"runtime_status"`
	Resources   []string  `json:"resources"`
	FreeSpace   string    `json:"free_space"`
	Building    string    `json:"building,omitempty"`
	LastHeard   time.Time `json:"last_heard,omitempty"`
	Elastic     bool      `json:"elastic"`
	Version     string    `json:"version,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
}

func agentView(s agent.Snapshot) AgentView {
	return AgentView{
		UUID:        s.UUID,
		Hostname:    s.Hostname,
		IPAddress:   s.IPAddress,
		Location:    s.Location,
		Status:      string(s.Status),
		Config:      string(s.State.Config),
		Runtime:     string(s.State.Runtime),
		Resources:   s.Resources,
		FreeSpace:   s.FreeSpace.String(),
		Building:    s.Building.Locator,
		LastHeard:   s.LastHeard,
		Elastic:     s.Elastic.IsElastic(),
		Version:     s.Version,
		CancelledAt: s.CancelledAt,
	}
}

// InProgressView is one running material update
type InProgressView struct {
	Fingerprint string    `json:"fingerprint"`
	Since       time.Time `json:"since"`
}

// MaterialView is the JSON form of a configured material
type MaterialView struct {
	Fingerprint string   `json:"fingerprint"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	AutoUpdate  bool     `json:"auto_update"`
	Pipelines   []string `json:"pipelines,omitempty"`
	ConfigRepo  bool     `json:"config_repo"`
	InProgress  bool     `json:"in_progress"`
	BackingOff  bool     `json:"backing_off"`
}

// RevisionView is one material revision a pipeline run was built from
type RevisionView struct {
	Revision       string    `json:"revision"`
	Date           time.Time `json:"date"`
	ModificationID int64     `json:"modification_id,omitempty"`
}

// RunRequest records a pipeline run. Revisions are keyed by material
// fingerprint; when omitted the run takes the latest modification of every
// material the pipeline consumes.
type RunRequest struct {
	Counter   int                       `json:"counter"`
	Revisions map[string][]RevisionView `json:"revisions,omitempty"`
}
