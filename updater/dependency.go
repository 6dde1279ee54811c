package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
)

// StageRun is a completed run of an upstream stage
type StageRun struct {
	Pipeline        string
	PipelineCounter int64
	Stage           string
	StageCounter    int64
	Result          string
	CompletedAt     time.Time
}

// Revision is the dependency revision string, pipeline/counter/stage/counter
func (r StageRun) Revision() string {
	return fmt.Sprintf("%s/%d/%s/%d", r.Pipeline, r.PipelineCounter, r.Stage, r.StageCounter)
}

// StageSource finds the latest passed run of an upstream stage
type StageSource interface {
	LatestPassedStage(ctx context.Context, pipeline, stage string) (StageRun, bool, error)
}

// DependencyUpdater polls the upstream stage of dependency materials
type DependencyUpdater struct {
	Stages StageSource
}

// Latest returns the newest passed upstream run. A stage that has never
// passed is skipped rather than failed.
func (d DependencyUpdater) Latest(ctx context.Context, m material.Material) (material.Modification, error) {
	if m.Kind != material.KindDependency {
		return material.Modification{}, errors.NewInvalidRequestError("dependency updater cannot update %s material", m.Kind)
	}
	run, ok, err := d.Stages.LatestPassedStage(ctx, m.UpstreamPipeline, m.UpstreamStage)
	if err != nil {
		return material.Modification{}, errors.Wrapf(err, "failed to read stage %s/%s", m.UpstreamPipeline, m.UpstreamStage)
	}
	if !ok {
		return material.Modification{}, ErrSkipped
	}
	return material.Modification{
		Revision:    run.Revision(),
		CommittedAt: run.CompletedAt,
		Comment:     fmt.Sprintf("%s passed", run.Revision()),
	}, nil
}
