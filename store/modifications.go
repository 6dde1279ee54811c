package store

import (
	"context"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
)

const modificationColumns = `id, fingerprint, revision, committed_at, author, comment`

// LatestModification returns the newest saved modification of a material
func (s *Store) LatestModification(ctx context.Context, fingerprint string) (material.Modification, bool, error) {
	mods, err := s.queryModifications(ctx, `
		SELECT `+modificationColumns+` FROM modifications
		WHERE fingerprint = ? ORDER BY id DESC LIMIT 1`, fingerprint)
	if err != nil || len(mods) == 0 {
		return material.Modification{}, false, err
	}
	return mods[0], true, nil
}

// Modifications returns up to limit modifications, newest first
func (s *Store) Modifications(ctx context.Context, fingerprint string, limit int) ([]material.Modification, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryModifications(ctx, `
		SELECT `+modificationColumns+` FROM modifications
		WHERE fingerprint = ? ORDER BY id DESC LIMIT ?`, fingerprint, limit)
}

// SaveModification records a modification. Saving a revision already known
// for the material returns the stored row.
func (s *Store) SaveModification(ctx context.Context, mod material.Modification) (material.Modification, error) {
	if mod.Fingerprint == "" || mod.Revision == "" {
		return material.Modification{}, errors.NewInvalidRequestError("modification requires fingerprint and revision")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modifications (fingerprint, revision, committed_at, author, comment)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint, revision) DO NOTHING`,
		mod.Fingerprint, mod.Revision, formatTime(mod.CommittedAt), mod.Author, mod.Comment)
	if err != nil {
		return material.Modification{}, errors.WithDetailf(
			errors.Wrap(err, "failed to save modification"),
			"Fingerprint: %s", mod.Fingerprint)
	}

	mods, err := s.queryModifications(ctx, `
		SELECT `+modificationColumns+` FROM modifications
		WHERE fingerprint = ? AND revision = ?`, mod.Fingerprint, mod.Revision)
	if err != nil {
		return material.Modification{}, err
	}
	if len(mods) == 0 {
		return material.Modification{}, errors.AssertionFailedf("modification %s vanished after insert", mod.Revision)
	}
	return mods[0], nil
}

func (s *Store) queryModifications(ctx context.Context, query string, args ...any) ([]material.Modification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query modifications")
	}
	defer rows.Close()

	var out []material.Modification
	for rows.Next() {
		var mod material.Modification
		var committedAt string
		if err := rows.Scan(&mod.ID, &mod.Fingerprint, &mod.Revision, &committedAt, &mod.Author, &mod.Comment); err != nil {
			return nil, errors.Wrap(err, "failed to scan modification")
		}
		if mod.CommittedAt, err = parseTime(committedAt); err != nil {
			return nil, err
		}
		out = append(out, mod)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate modifications")
	}
	return out, nil
}

// KnownModification is the latest saved modification, for GitUpdater.Known
func (s *Store) KnownModification(ctx context.Context, fingerprint string) (material.Modification, bool) {
	mod, ok, err := s.LatestModification(ctx, fingerprint)
	if err != nil {
		s.log.Debugw("Failed to read known modification", "fingerprint", fingerprint, "error", err)
		return material.Modification{}, false
	}
	return mod, ok
}
