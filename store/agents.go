package store

import (
	"context"
	"strings"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/errors"
)

// Agents returns the approved and denied agents
func (s *Store) Agents(ctx context.Context) ([]agent.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, hostname, ip_address, resources, disabled, elastic_agent_id, elastic_plugin_id
		FROM agents ORDER BY hostname, uuid`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query agents")
	}
	defer rows.Close()

	var out []agent.Config
	for rows.Next() {
		var cfg agent.Config
		var resources string
		var disabled int
		if err := rows.Scan(&cfg.UUID, &cfg.Hostname, &cfg.IPAddress, &resources, &disabled,
			&cfg.Elastic.AgentID, &cfg.Elastic.PluginID); err != nil {
			return nil, errors.Wrap(err, "failed to scan agent")
		}
		cfg.Resources = agent.ParseResources(resources)
		cfg.Disabled = disabled == 1
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate agents")
	}
	return out, nil
}

// SaveAgent creates or replaces an agent's configuration
func (s *Store) SaveAgent(ctx context.Context, cfg agent.Config) error {
	if cfg.UUID == "" {
		return errors.NewInvalidRequestError("agent configuration requires a uuid")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (uuid, hostname, ip_address, resources, disabled, elastic_agent_id, elastic_plugin_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(uuid) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			resources = excluded.resources,
			disabled = excluded.disabled,
			elastic_agent_id = excluded.elastic_agent_id,
			elastic_plugin_id = excluded.elastic_plugin_id,
			updated_at = CURRENT_TIMESTAMP`,
		cfg.UUID, cfg.Hostname, cfg.IPAddress, strings.Join(cfg.Resources, ","), boolInt(cfg.Disabled),
		cfg.Elastic.AgentID, cfg.Elastic.PluginID)
	if err != nil {
		return errors.Wrapf(err, "failed to save agent %s", cfg.UUID)
	}
	return nil
}

// DeleteAgent removes an agent's configuration
func (s *Store) DeleteAgent(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE uuid = ?`, uuid)
	if err != nil {
		return errors.Wrapf(err, "failed to delete agent %s", uuid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("agent %s", uuid)
	}
	return nil
}
