package am

import (
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/drover/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}
	if c.Server.MinAgentVersion != "" {
		if _, err := semver.NewVersion(c.Server.MinAgentVersion); err != nil {
			return errors.Wrapf(err, "server.min_agent_version %q is not a semantic version", c.Server.MinAgentVersion)
		}
	}

	// Workers: 0 = queue not consumed, negative = invalid
	if c.Pulse.SCMWorkers < 0 {
		return errors.Newf("pulse.scm_workers must be >= 0, got %d", c.Pulse.SCMWorkers)
	}
	if c.Pulse.DependencyWorkers < 0 {
		return errors.Newf("pulse.dependency_workers must be >= 0, got %d", c.Pulse.DependencyWorkers)
	}
	if c.Pulse.ConfigWorkers < 0 {
		return errors.Newf("pulse.config_workers must be >= 0, got %d", c.Pulse.ConfigWorkers)
	}
	if c.Pulse.QueueBuffer < 0 {
		return errors.Newf("pulse.queue_buffer must be >= 0, got %d", c.Pulse.QueueBuffer)
	}

	// Poll interval: 0 = no timer, negative = invalid
	if c.MDU.PollIntervalSeconds < 0 {
		return errors.Newf("mdu.poll_interval_seconds must be >= 0, got %d", c.MDU.PollIntervalSeconds)
	}
	if c.MDU.HungThresholdMinutes < 0 {
		return errors.Newf("mdu.hung_threshold_minutes must be >= 0, got %d", c.MDU.HungThresholdMinutes)
	}
	if c.MDU.NotifyPerMinute < 0 {
		return errors.Newf("mdu.notify_per_minute must be >= 0, got %d", c.MDU.NotifyPerMinute)
	}

	// Backoff: 0 base means no deferral ("zero means zero"), factor below 1 would shrink intervals
	if c.Backoff.DefaultIntervalSeconds < 0 {
		return errors.Newf("backoff.default_interval_seconds must be >= 0, got %d", c.Backoff.DefaultIntervalSeconds)
	}
	if c.Backoff.BaseSeconds < 0 {
		return errors.Newf("backoff.base_seconds must be >= 0, got %d", c.Backoff.BaseSeconds)
	}
	if c.Backoff.Factor < 1 {
		return errors.Newf("backoff.factor must be >= 1, got %f", c.Backoff.Factor)
	}
	if c.Backoff.MaxIntervalSeconds < c.Backoff.BaseSeconds {
		return errors.Newf("backoff.max_interval_seconds (%d) must be >= backoff.base_seconds (%d)",
			c.Backoff.MaxIntervalSeconds, c.Backoff.BaseSeconds)
	}

	// Agents: a zero heartbeat timeout would mark every agent lost on the first refresh
	if c.Agents.HeartbeatTimeoutSeconds <= 0 {
		return errors.Newf("agents.heartbeat_timeout_seconds must be > 0, got %d", c.Agents.HeartbeatTimeoutSeconds)
	}
	if c.Agents.RefreshIntervalSeconds < 0 {
		return errors.Newf("agents.refresh_interval_seconds must be >= 0, got %d", c.Agents.RefreshIntervalSeconds)
	}
	if c.Agents.StuckCancelMinutes < 0 {
		return errors.Newf("agents.stuck_cancel_minutes must be >= 0, got %d", c.Agents.StuckCancelMinutes)
	}
	if c.Agents.LowDiskSpaceMB < 0 {
		return errors.Newf("agents.low_disk_space_mb must be >= 0, got %d", c.Agents.LowDiskSpaceMB)
	}

	if c.Agent.PingIntervalSeconds < 0 {
		return errors.Newf("agent.ping_interval_seconds must be >= 0, got %d", c.Agent.PingIntervalSeconds)
	}

	return nil
}
