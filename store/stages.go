package store

import (
	"context"
	"database/sql"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/updater"
)

// StagePassed is the result recorded for a successful stage run
const StagePassed = "passed"

// RecordStageRun saves the outcome of a completed stage run
func (s *Store) RecordStageRun(ctx context.Context, run updater.StageRun) error {
	if run.Pipeline == "" || run.Stage == "" || run.Result == "" {
		return errors.NewInvalidRequestError("stage run requires pipeline, stage and result")
	}
	if run.StageCounter == 0 {
		run.StageCounter = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO stage_runs (pipeline, pipeline_counter, stage, stage_counter, result, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.Pipeline, run.PipelineCounter, run.Stage, run.StageCounter, run.Result, formatTime(run.CompletedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to record stage run %s", run.Revision())
	}
	return nil
}

// LatestPassedStage returns the most recent passed run of pipeline/stage
func (s *Store) LatestPassedStage(ctx context.Context, pipeline, stage string) (updater.StageRun, bool, error) {
	run := updater.StageRun{Pipeline: pipeline, Stage: stage}
	var completedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT pipeline_counter, stage_counter, result, completed_at FROM stage_runs
		WHERE pipeline = ? AND stage = ? AND result = ?
		ORDER BY pipeline_counter DESC, stage_counter DESC LIMIT 1`,
		pipeline, stage, StagePassed).Scan(&run.PipelineCounter, &run.StageCounter, &run.Result, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return updater.StageRun{}, false, nil
	}
	if err != nil {
		return updater.StageRun{}, false, errors.Wrap(err, "failed to read stage runs")
	}
	if run.CompletedAt, err = parseTime(completedAt); err != nil {
		return updater.StageRun{}, false, err
	}
	return run, true, nil
}
