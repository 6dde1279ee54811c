package am

// Config represents the core drover configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	MDU      MDUConfig      `mapstructure:"mdu" toml:"mdu"`
	Backoff  BackoffConfig  `mapstructure:"backoff" toml:"backoff"`
	Agents   AgentsConfig   `mapstructure:"agents" toml:"agents"`
	Agent    AgentConfig    `mapstructure:"agent" toml:"agent"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the drover daemon listener
type ServerConfig struct {
	Port            *int   `mapstructure:"port" toml:"port,omitempty"`                  // nil = default 8153, 0 is invalid (omit for default)
	MinAgentVersion string `mapstructure:"min_agent_version" toml:"min_agent_version"` // semver constraint floor for registering agents (empty = any)
	AdminToken      string `mapstructure:"admin_token" toml:"admin_token,omitempty"`   // bearer token for post-commit notify (empty = notify disabled)
}

// Server port constants
const (
	DefaultServerPort = 8153
)

// PulseConfig configures queue consumers and the timer driver
type PulseConfig struct {
	SCMWorkers        int `mapstructure:"scm_workers" toml:"scm_workers"`               // consumers on the SCM queue (default: 3)
	DependencyWorkers int `mapstructure:"dependency_workers" toml:"dependency_workers"` // consumers on the dependency queue (default: 1)
	ConfigWorkers     int `mapstructure:"config_workers" toml:"config_workers"`         // consumers on the config-repo queue (default: 2)
	QueueBuffer       int `mapstructure:"queue_buffer" toml:"queue_buffer"`             // pending messages per queue before Post blocks (default: 256)
}

// MDUConfig configures the material update coordinator
type MDUConfig struct {
	PollIntervalSeconds  int  `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`   // 0 = no timer, webhook/manual only
	HungThresholdMinutes int  `mapstructure:"hung_threshold_minutes" toml:"hung_threshold_minutes"` // in-progress age that raises a hung warning (default: 15)
	NotifyPerMinute      int  `mapstructure:"notify_per_minute" toml:"notify_per_minute"`           // post-commit notifications per type per minute (0 = unlimited)
	MaintenanceMode      bool `mapstructure:"maintenance_mode" toml:"maintenance_mode"`
}

// BackoffConfig configures retry deferral for failing materials
type BackoffConfig struct {
	DefaultIntervalSeconds int     `mapstructure:"default_interval_seconds" toml:"default_interval_seconds"` // startup guard before first poll (default: 60)
	BaseSeconds            int     `mapstructure:"base_seconds" toml:"base_seconds"`                         // interval base (default: 30)
	Factor                 float64 `mapstructure:"factor" toml:"factor"`                                     // growth per failure (default: 2.0)
	MaxIntervalSeconds     int     `mapstructure:"max_interval_seconds" toml:"max_interval_seconds"`         // cap (default: 3600)
}

// AgentsConfig configures server-side agent lifecycle tracking
type AgentsConfig struct {
	HeartbeatTimeoutSeconds int   `mapstructure:"heartbeat_timeout_seconds" toml:"heartbeat_timeout_seconds"` // silence before Missing/LostContact (default: 300)
	RefreshIntervalSeconds  int   `mapstructure:"refresh_interval_seconds" toml:"refresh_interval_seconds"`   // watchdog cadence (default: 15)
	StuckCancelMinutes      int   `mapstructure:"stuck_cancel_minutes" toml:"stuck_cancel_minutes"`           // cancelled longer than this raises health (default: 10)
	LowDiskSpaceMB          int64 `mapstructure:"low_disk_space_mb" toml:"low_disk_space_mb"`                 // below this an agent is low on disk (default: 1024)
}

// AgentConfig configures the remote agent loop (`drover agent`)
type AgentConfig struct {
	ServerURL           string   `mapstructure:"server_url" toml:"server_url"`
	UUID                string   `mapstructure:"uuid" toml:"uuid,omitempty"`
	WorkDir             string   `mapstructure:"work_dir" toml:"work_dir"`
	Resources           []string `mapstructure:"resources" toml:"resources"`
	PingIntervalSeconds int      `mapstructure:"ping_interval_seconds" toml:"ping_interval_seconds"` // default: 10
	ElasticAgentID      string   `mapstructure:"elastic_agent_id" toml:"elastic_agent_id,omitempty"`
	ElasticPluginID     string   `mapstructure:"elastic_plugin_id" toml:"elastic_plugin_id,omitempty"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
