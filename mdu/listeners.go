package mdu

import (
	"context"
	"time"

	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/pulse/broadcast"
)

// Recorder tracks update failures per fingerprint
type Recorder interface {
	RecordFailure(fingerprint string) time.Duration
	RecordSuccess(fingerprint string)
}

// BackoffListener feeds update outcomes into a backoff policy.
// Register it for completed and failed events only.
type BackoffListener struct {
	Policy Recorder
}

func (l BackoffListener) OnEvent(_ context.Context, e broadcast.Event) error {
	switch e.Kind {
	case broadcast.KindCompleted:
		l.Policy.RecordSuccess(e.Fingerprint())
	case broadcast.KindFailed:
		l.Policy.RecordFailure(e.Fingerprint())
	}
	return nil
}

// DependencyRetrigger schedules dependency materials downstream of a
// successfully updated material, so fan-in sees new upstream runs promptly
type DependencyRetrigger struct {
	Coordinator *Coordinator
}

func (l DependencyRetrigger) OnEvent(ctx context.Context, e broadcast.Event) error {
	if e.Kind != broadcast.KindCompleted {
		return nil
	}
	c := l.Coordinator
	dependents, err := c.config.DependentsOf(ctx, e.Fingerprint())
	if err != nil {
		return err
	}
	for _, d := range dependents {
		if _, err := c.updateMaterial(ctx, d, TriggerDependency); err != nil {
			c.log.Warnw("Failed to retrigger dependency material",
				logger.FieldMaterial, d.DisplayName(),
				logger.FieldError, err)
		}
	}
	return nil
}
