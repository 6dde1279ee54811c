package store

import (
	"context"
	"database/sql"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
)

// ImportFile is the YAML document read by `drover material import`:
//
//	materials:
//	  - type: git
//	    url: https://github.com/teranos/drover.git
//	    branch: main
//	    auto_update: true
//	    pipelines: [build]
//	agents:
//	  - uuid: 6f1c...
//	    hostname: ci-01
//	    resources: [linux, docker]
type ImportFile struct {
	Materials []ImportedMaterial `yaml:"materials"`
	Agents    []ImportedAgent    `yaml:"agents"`
}

// ImportedMaterial is a material with the pipelines consuming it
type ImportedMaterial struct {
	material.Material `yaml:",inline"`
	Pipelines         []string `yaml:"pipelines"`
	ConfigRepo        bool     `yaml:"config_repo"`
}

// ImportedAgent is a pre-approved agent
type ImportedAgent struct {
	UUID      string   `yaml:"uuid"`
	Hostname  string   `yaml:"hostname"`
	IPAddress string   `yaml:"ip"`
	Resources []string `yaml:"resources"`
	Disabled  bool     `yaml:"disabled"`
}

// ImportResult counts imported rows
type ImportResult struct {
	Materials int
	Agents    int
}

// ParseImport decodes and validates an import document
func ParseImport(r io.Reader) (*ImportFile, error) {
	var f ImportFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, errors.Mark(errors.Wrap(err, "failed to parse import file"), errors.ErrInvalidRequest)
	}
	for i, m := range f.Materials {
		if err := m.Validate(); err != nil {
			return nil, errors.Wrapf(err, "material %d", i+1)
		}
	}
	for i, a := range f.Agents {
		if a.UUID == "" {
			return nil, errors.NewInvalidRequestError("agent %d has no uuid", i+1)
		}
	}
	return &f, nil
}

// Import saves every material and agent of f in one transaction
func (s *Store) Import(ctx context.Context, f *ImportFile) (ImportResult, error) {
	var res ImportResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range f.Materials {
			rec := MaterialRecord{Material: m.Material, Pipelines: m.Pipelines, ConfigRepo: m.ConfigRepo}
			if err := saveMaterial(ctx, tx, rec); err != nil {
				return err
			}
			res.Materials++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	for _, a := range f.Agents {
		cfg := agent.Config{
			UUID:      a.UUID,
			Hostname:  a.Hostname,
			IPAddress: a.IPAddress,
			Resources: a.Resources,
			Disabled:  a.Disabled,
		}
		if err := s.SaveAgent(ctx, cfg); err != nil {
			return res, err
		}
		res.Agents++
	}
	s.log.Infow("Import complete", "materials", res.Materials, "agents", res.Agents)
	return res, nil
}
