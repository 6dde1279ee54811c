package store

import (
	"context"
	"database/sql"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/timeline"
)

// PipelineInstance is a pipeline run to be placed on the timeline
type PipelineInstance struct {
	Pipeline  string
	Counter   int
	Revisions map[string][]material.Revision // by material fingerprint, earliest first
}

// AddPipelineInstance records a run with its material revisions and returns
// its id. The run is placed on the timeline by the next Timeline.Update.
func (s *Store) AddPipelineInstance(ctx context.Context, pi PipelineInstance) (int64, error) {
	if pi.Pipeline == "" || pi.Counter <= 0 {
		return 0, errors.NewInvalidRequestError("pipeline instance requires a pipeline and a positive counter")
	}
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var taken int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pipeline_instances WHERE pipeline = ? AND counter = ?`,
			pi.Pipeline, pi.Counter).Scan(&taken); err != nil {
			return errors.Wrap(err, "failed to check pipeline counter")
		}
		if taken > 0 {
			return errors.Mark(errors.Newf("%s/%d is already recorded", pi.Pipeline, pi.Counter), errors.ErrConflict)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_instances (pipeline, counter) VALUES (?, ?)`, pi.Pipeline, pi.Counter)
		if err != nil {
			return errors.Wrapf(err, "failed to insert %s/%d", pi.Pipeline, pi.Counter)
		}
		if id, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "failed to read instance id")
		}
		for fp, revs := range pi.Revisions {
			for pos, r := range revs {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO pipeline_material_revisions (instance_id, fingerprint, revision, revision_date, modification_id, position)
					VALUES (?, ?, ?, ?, ?, ?)`,
					id, fp, r.Revision, formatTime(r.Date), r.ID, pos); err != nil {
					return errors.Wrapf(err, "failed to insert revision %s", r.Revision)
				}
			}
		}
		return nil
	})
	return id, err
}

// EntriesAfter loads every run with an id greater than afterID, in id order
func (s *Store) EntriesAfter(ctx context.Context, afterID int64) ([]*timeline.Entry, error) {
	revs, err := s.revisionsAfter(ctx, afterID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, counter, natural_order FROM pipeline_instances
		WHERE id > ? ORDER BY id`, afterID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pipeline instances")
	}
	defer rows.Close()

	var out []*timeline.Entry
	for rows.Next() {
		var id int64
		var pipeline string
		var counter int
		var order float64
		if err := rows.Scan(&id, &pipeline, &counter, &order); err != nil {
			return nil, errors.Wrap(err, "failed to scan pipeline instance")
		}
		out = append(out, timeline.NewEntry(pipeline, id, counter, revs[id], order))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate pipeline instances")
	}
	return out, nil
}

func (s *Store) revisionsAfter(ctx context.Context, afterID int64) (map[int64]map[string][]material.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, fingerprint, revision, revision_date, modification_id
		FROM pipeline_material_revisions
		WHERE instance_id > ? ORDER BY instance_id, fingerprint, revision_date, position`, afterID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query material revisions")
	}
	defer rows.Close()

	out := make(map[int64]map[string][]material.Revision)
	for rows.Next() {
		var id int64
		var fp, date string
		var r material.Revision
		if err := rows.Scan(&id, &fp, &r.Revision, &date, &r.ID); err != nil {
			return nil, errors.Wrap(err, "failed to scan material revision")
		}
		if r.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = make(map[string][]material.Revision)
		}
		out[id][fp] = append(out[id][fp], r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate material revisions")
	}
	return out, nil
}

// SaveNaturalOrder persists an assigned natural order. A stored order is
// write-once; a different value is an integrity violation.
func (s *Store) SaveNaturalOrder(ctx context.Context, id int64, naturalOrder float64) error {
	var current float64
	err := s.db.QueryRowContext(ctx, `SELECT natural_order FROM pipeline_instances WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("pipeline instance %d", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read natural order")
	}
	if current == naturalOrder {
		return nil
	}
	if current != 0 {
		return errors.NewIntegrityViolationf("pipeline instance %d already has natural order %v, refusing %v",
			id, current, naturalOrder)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_instances SET natural_order = ? WHERE id = ? AND natural_order = 0`, naturalOrder, id); err != nil {
		return errors.Wrap(err, "failed to save natural order")
	}
	return nil
}
