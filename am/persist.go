package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/drover/errors"
)

// Marshal renders the configuration as TOML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// DefaultConfig returns the configuration produced by defaults alone
func DefaultConfig() *Config {
	port := DefaultServerPort
	return &Config{
		Database: DatabaseConfig{Path: "drover.db"},
		Server:   ServerConfig{Port: &port},
		Pulse:    PulseConfig{SCMWorkers: 3, DependencyWorkers: 1, ConfigWorkers: 2, QueueBuffer: 256},
		MDU:      MDUConfig{PollIntervalSeconds: 60, HungThresholdMinutes: 15, NotifyPerMinute: 30},
		Backoff:  BackoffConfig{DefaultIntervalSeconds: 60, BaseSeconds: 30, Factor: 2.0, MaxIntervalSeconds: 3600},
		Agents:   AgentsConfig{HeartbeatTimeoutSeconds: 300, RefreshIntervalSeconds: 15, StuckCancelMinutes: 10, LowDiskSpaceMB: 1024},
		Agent: AgentConfig{
			ServerURL:           fmt.Sprintf("ws://localhost:%d", DefaultServerPort),
			WorkDir:             ".",
			Resources:           []string{},
			PingIntervalSeconds: 10,
		},
	}
}

// Save writes cfg to configPath as TOML, rotating up to three backups of
// the previous file
func Save(configPath string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid config")
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Mark this as our own write to prevent reload loops
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config %s", configPath)
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}
