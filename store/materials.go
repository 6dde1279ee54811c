package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
)

const materialColumns = `m.kind, m.name, m.url, m.branch, m.upstream_pipeline, m.upstream_stage, m.attributes, m.auto_update`

// MaterialRecord is a configured material with its consumers
type MaterialRecord struct {
	Material   material.Material
	Pipelines  []string
	ConfigRepo bool
}

// SaveMaterial creates or updates a material and replaces its pipeline list
func (s *Store) SaveMaterial(ctx context.Context, rec MaterialRecord) error {
	if err := rec.Material.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return saveMaterial(ctx, tx, rec)
	})
}

func saveMaterial(ctx context.Context, ex execer, rec MaterialRecord) error {
	m := rec.Material
	fp := m.Fingerprint()
	attrs, err := json.Marshal(m.Attributes)
	if err != nil {
		return errors.Wrap(err, "failed to encode material attributes")
	}
	if m.Attributes == nil {
		attrs = []byte("{}")
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO materials (fingerprint, kind, name, url, branch, upstream_pipeline, upstream_stage, attributes, auto_update, config_repo)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			name = excluded.name,
			auto_update = excluded.auto_update,
			config_repo = excluded.config_repo`,
		fp, string(m.Kind), m.Name, m.URL, m.Branch, m.UpstreamPipeline, m.UpstreamStage,
		string(attrs), boolInt(m.AutoUpdate), boolInt(rec.ConfigRepo))
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to save material"), "Fingerprint: %s", fp)
	}

	if _, err := ex.ExecContext(ctx, `DELETE FROM pipeline_materials WHERE fingerprint = ?`, fp); err != nil {
		return errors.Wrap(err, "failed to clear pipeline materials")
	}
	for _, p := range rec.Pipelines {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO pipeline_materials (pipeline, fingerprint) VALUES (?, ?)`, p, fp); err != nil {
			return errors.Wrapf(err, "failed to attach material to pipeline %s", p)
		}
	}
	return nil
}

// RemoveMaterial deletes a material and its modifications
func (s *Store) RemoveMaterial(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM materials WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return errors.Wrap(err, "failed to remove material")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("material %s", fingerprint)
	}
	return nil
}

// Material returns one material by fingerprint
func (s *Store) Material(ctx context.Context, fingerprint string) (material.Material, error) {
	ms, err := s.queryMaterials(ctx, `SELECT `+materialColumns+` FROM materials m WHERE m.fingerprint = ?`, fingerprint)
	if err != nil {
		return material.Material{}, err
	}
	if len(ms) == 0 {
		return material.Material{}, errors.NewNotFoundError("material %s", fingerprint)
	}
	return ms[0], nil
}

// Materials lists every material with its consumers, in insertion order
func (s *Store) Materials(ctx context.Context) ([]MaterialRecord, error) {
	ms, err := s.AllMaterials(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.fingerprint, m.config_repo, COALESCE(GROUP_CONCAT(pm.pipeline, ','), '')
		FROM materials m LEFT JOIN pipeline_materials pm ON pm.fingerprint = m.fingerprint
		GROUP BY m.fingerprint`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pipeline materials")
	}
	defer rows.Close()

	type extra struct {
		configRepo bool
		pipelines  []string
	}
	extras := make(map[string]extra)
	for rows.Next() {
		var fp, pipelines string
		var configRepo int
		if err := rows.Scan(&fp, &configRepo, &pipelines); err != nil {
			return nil, errors.Wrap(err, "failed to scan pipeline materials")
		}
		e := extra{configRepo: configRepo == 1}
		if pipelines != "" {
			e.pipelines = splitList(pipelines)
		}
		extras[fp] = e
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list pipeline materials")
	}

	out := make([]MaterialRecord, 0, len(ms))
	for _, m := range ms {
		e := extras[m.Fingerprint()]
		out = append(out, MaterialRecord{Material: m, Pipelines: e.pipelines, ConfigRepo: e.configRepo})
	}
	return out, nil
}

// SchedulableMaterials returns auto-update materials consumed by at least
// one pipeline or owned by a config repository
func (s *Store) SchedulableMaterials(ctx context.Context) ([]material.Material, error) {
	return s.queryMaterials(ctx, `
		SELECT `+materialColumns+` FROM materials m
		WHERE m.auto_update = 1
		  AND (m.config_repo = 1 OR EXISTS (SELECT 1 FROM pipeline_materials pm WHERE pm.fingerprint = m.fingerprint))
		ORDER BY m.rowid`)
}

// AllMaterials returns every configured material
func (s *Store) AllMaterials(ctx context.Context) ([]material.Material, error) {
	return s.queryMaterials(ctx, `SELECT `+materialColumns+` FROM materials m ORDER BY m.rowid`)
}

// IsConfigRepo reports whether fingerprint belongs to a config repository.
// Read failures are logged and treated as false.
func (s *Store) IsConfigRepo(ctx context.Context, fingerprint string) bool {
	var configRepo int
	err := s.db.QueryRowContext(ctx, `SELECT config_repo FROM materials WHERE fingerprint = ?`, fingerprint).Scan(&configRepo)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.warnRead("Failed to read config repo flag", err, "fingerprint", fingerprint)
	}
	return configRepo == 1
}

// DependentsOf returns dependency materials whose upstream pipeline consumes
// fingerprint
func (s *Store) DependentsOf(ctx context.Context, fingerprint string) ([]material.Material, error) {
	return s.queryMaterials(ctx, `
		SELECT DISTINCT `+materialColumns+` FROM materials m
		JOIN pipeline_materials pm ON pm.pipeline = m.upstream_pipeline
		WHERE m.kind = 'dependency' AND pm.fingerprint = ?
		ORDER BY m.rowid`, fingerprint)
}

func (s *Store) queryMaterials(ctx context.Context, query string, args ...any) ([]material.Material, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query materials")
	}
	defer rows.Close()

	var out []material.Material
	for rows.Next() {
		var m material.Material
		var kind, attrs string
		var autoUpdate int
		if err := rows.Scan(&kind, &m.Name, &m.URL, &m.Branch, &m.UpstreamPipeline, &m.UpstreamStage, &attrs, &autoUpdate); err != nil {
			return nil, errors.Wrap(err, "failed to scan material")
		}
		m.Kind = material.Kind(kind)
		m.AutoUpdate = autoUpdate == 1
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
				return nil, errors.Wrapf(err, "invalid attributes for %s material %s", kind, m.DisplayName())
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate materials")
	}
	return out, nil
}
