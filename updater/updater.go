// Package updater fetches the latest modification of a material.
//
// A Worker consumes update messages from the coordinator's queues, runs the
// updater registered for the material's kind, persists any new modification
// and reports the outcome back to the coordinator as a completion event.
package updater

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/mdu"
	"github.com/teranos/drover/pulse/broadcast"
)

// ErrSkipped means the material had nothing to check this time
var ErrSkipped = errors.New("material update skipped")

// Updater reads the newest modification of one class of material
type Updater interface {
	Latest(ctx context.Context, m material.Material) (material.Modification, error)
}

// UpdaterFunc adapts a function to Updater
type UpdaterFunc func(ctx context.Context, m material.Material) (material.Modification, error)

// Latest calls f(ctx, m)
func (f UpdaterFunc) Latest(ctx context.Context, m material.Material) (material.Modification, error) {
	return f(ctx, m)
}

// ModificationStore persists observed modifications
type ModificationStore interface {
	LatestModification(ctx context.Context, fingerprint string) (material.Modification, bool, error)
	SaveModification(ctx context.Context, mod material.Modification) (material.Modification, error)
}

// Completer receives update outcomes; implemented by mdu.Coordinator
type Completer interface {
	OnMessage(ctx context.Context, e broadcast.Event) error
	RecordActivity(fingerprint string)
}

// Worker is a queue consumer running updaters
type Worker struct {
	updaters map[material.Kind]Updater
	store    ModificationStore
	done     Completer
	timeout  time.Duration
	timeNow  func() time.Time
	log      *zap.SugaredLogger
}

// WorkerOptions configures a Worker
type WorkerOptions struct {
	Store     ModificationStore
	Completer Completer
	Timeout   time.Duration // per update; zero means no limit
	Clock     func() time.Time
	Logger    *zap.SugaredLogger
}

// NewWorker creates a worker with no updaters registered
func NewWorker(opts WorkerOptions) *Worker {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Worker{
		updaters: make(map[material.Kind]Updater),
		store:    opts.Store,
		done:     opts.Completer,
		timeout:  opts.Timeout,
		timeNow:  clock,
		log:      logger.AddMaterialSymbol(log.Named("updater")),
	}
}

// Register sets the updater for kind
func (w *Worker) Register(kind material.Kind, u Updater) {
	w.updaters[kind] = u
}

// OnMessage runs one update. The outcome always goes to the completer, so
// the material never stays in progress.
func (w *Worker) OnMessage(ctx context.Context, msg mdu.UpdateMessage) error {
	e := w.run(ctx, msg)
	return w.done.OnMessage(ctx, e)
}

func (w *Worker) run(ctx context.Context, msg mdu.UpdateMessage) broadcast.Event {
	m := msg.Material
	fp := m.Fingerprint()
	event := broadcast.Event{MessageID: msg.ID, Material: m}
	w.done.RecordActivity(fp)

	u, ok := w.updaters[m.Kind]
	if !ok {
		w.log.Debugw("No updater for material kind",
			logger.FieldFingerprint, fp,
			"kind", m.Kind)
		event.Kind = broadcast.KindSkipped
		event.At = w.timeNow()
		return event
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := w.timeNow()
	err := w.update(ctx, u, m)
	event.At = w.timeNow()

	switch {
	case errors.Is(err, ErrSkipped):
		event.Kind = broadcast.KindSkipped
	case err != nil:
		event.Kind = broadcast.KindFailed
		event.Reason = err.Error()
		w.log.Warnw("Material update failed",
			logger.FieldFingerprint, fp,
			logger.FieldMaterial, m.DisplayName(),
			logger.FieldMessageID, msg.ID,
			logger.FieldError, err)
	default:
		event.Kind = broadcast.KindCompleted
		w.log.Debugw("Material update completed",
			logger.FieldFingerprint, fp,
			logger.FieldMessageID, msg.ID,
			logger.FieldDurationMS, event.At.Sub(start).Milliseconds())
	}
	return event
}

func (w *Worker) update(ctx context.Context, u Updater, m material.Material) error {
	fp := m.Fingerprint()
	mod, err := u.Latest(ctx, m)
	if err != nil {
		return err
	}
	w.done.RecordActivity(fp)

	prev, found, err := w.store.LatestModification(ctx, fp)
	if err != nil {
		return errors.Wrap(err, "failed to read latest modification")
	}
	if found && prev.Revision == mod.Revision {
		return nil
	}

	mod.Fingerprint = fp
	saved, err := w.store.SaveModification(ctx, mod)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to save modification"),
			"Revision: %s", mod.Revision)
	}
	w.log.Infow("New modification",
		logger.FieldFingerprint, fp,
		logger.FieldMaterial, m.DisplayName(),
		logger.FieldRevision, saved.Revision)
	return nil
}
