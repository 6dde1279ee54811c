package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "drover.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.min_agent_version", "")

	// Pulse (queue consumers) defaults
	v.SetDefault("pulse.scm_workers", 3)
	v.SetDefault("pulse.dependency_workers", 1)
	v.SetDefault("pulse.config_workers", 2)
	v.SetDefault("pulse.queue_buffer", 256)

	// Material update defaults
	v.SetDefault("mdu.poll_interval_seconds", 60)
	v.SetDefault("mdu.hung_threshold_minutes", 15)
	v.SetDefault("mdu.notify_per_minute", 30)
	v.SetDefault("mdu.maintenance_mode", false)

	// Backoff defaults
	v.SetDefault("backoff.default_interval_seconds", 60)
	v.SetDefault("backoff.base_seconds", 30)
	v.SetDefault("backoff.factor", 2.0)
	v.SetDefault("backoff.max_interval_seconds", 3600)

	// Agent lifecycle defaults
	v.SetDefault("agents.heartbeat_timeout_seconds", 300)
	v.SetDefault("agents.refresh_interval_seconds", 15)
	v.SetDefault("agents.stuck_cancel_minutes", 10)
	v.SetDefault("agents.low_disk_space_mb", 1024)

	// Remote agent defaults
	v.SetDefault("agent.server_url", fmt.Sprintf("ws://localhost:%d", DefaultServerPort))
	v.SetDefault("agent.work_dir", ".")
	v.SetDefault("agent.resources", []string{})
	v.SetDefault("agent.ping_interval_seconds", 10)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "DROVER_DATABASE_PATH")
	v.BindEnv("server.admin_token", "DROVER_ADMIN_TOKEN")
	v.BindEnv("agent.server_url", "DROVER_AGENT_SERVER_URL")
}

// GetServerPort returns the configured port, or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "drover.db" // Fallback default
	}
	return c.Database.Path
}

// PollInterval returns the timer driver period
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.MDU.PollIntervalSeconds) * time.Second
}

// HungThreshold returns how long an update may stay in progress before it is reported hung
func (c *Config) HungThreshold() time.Duration {
	return time.Duration(c.MDU.HungThresholdMinutes) * time.Minute
}

// HeartbeatTimeout returns how long an agent may stay silent before it is marked lost
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Agents.HeartbeatTimeoutSeconds) * time.Second
}

// StuckCancelAfter returns the cancellation age that raises a stuck warning
func (c *Config) StuckCancelAfter() time.Duration {
	return time.Duration(c.Agents.StuckCancelMinutes) * time.Minute
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, MDU: {Poll: %ds}, Backoff: {Base: %ds, Max: %ds}}",
		c.GetDatabasePath(), c.GetServerPort(), c.MDU.PollIntervalSeconds,
		c.Backoff.BaseSeconds, c.Backoff.MaxIntervalSeconds)
}
