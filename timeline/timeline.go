package timeline

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
)

// EntrySource loads pipeline runs from persistence
type EntrySource interface {
	// EntriesAfter returns runs of every pipeline with an id greater than afterID
	EntriesAfter(ctx context.Context, afterID int64) ([]*Entry, error)
}

// NaturalOrderSink persists natural orders assigned during placement
type NaturalOrderSink interface {
	SaveNaturalOrder(ctx context.Context, id int64, naturalOrder float64) error
}

// Listener is told about every entry placed on the timeline
type Listener interface {
	OnEntryAdded(e *Entry)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(e *Entry)

func (f ListenerFunc) OnEntryAdded(e *Entry) { f(e) }

// Timeline holds the placed runs of every pipeline
type Timeline struct {
	source EntrySource
	sink   NaturalOrderSink
	log    *zap.SugaredLogger

	updateMu sync.Mutex // serializes Update

	mu         sync.RWMutex
	byPipeline map[string][]*Entry // natural order
	byID       map[int64]*Entry
	maxID      int64
	halted     map[string]error // pipelines that hit an integrity violation
	listeners  []Listener
}

// New creates an empty timeline. source and sink may be nil when entries are
// only added directly.
func New(source EntrySource, sink NaturalOrderSink, log *zap.SugaredLogger) *Timeline {
	if log == nil {
		log = logger.Logger
	}
	return &Timeline{
		source:     source,
		sink:       sink,
		log:        logger.AddTimelineSymbol(log.Named("timeline")),
		byPipeline: make(map[string][]*Entry),
		byID:       make(map[int64]*Entry),
		halted:     make(map[string]error),
	}
}

// AddListener registers l for entries placed after this call
func (t *Timeline) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Add places e on its pipeline's timeline and persists a newly assigned
// natural order
func (t *Timeline) Add(ctx context.Context, e *Entry) error {
	fresh, err := t.place(e)
	if err != nil {
		return err
	}
	if err := t.persist(ctx, e, fresh); err != nil {
		return err
	}
	t.notify([]*Entry{e})
	return nil
}

// Update pulls runs newer than the newest known id and places them in id
// order. An integrity violation halts the affected pipeline only; the
// remaining pipelines are still processed and the violations are returned.
func (t *Timeline) Update(ctx context.Context) error {
	if t.source == nil {
		return nil
	}
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	entries, err := t.source.EntriesAfter(ctx, t.MaximumID())
	if err != nil {
		return errors.Wrap(err, "failed to load timeline entries")
	}
	slices.SortFunc(entries, func(a, b *Entry) int { return cmp.Compare(a.ID, b.ID) })

	var (
		violations []error
		added      []*Entry
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			violations = append(violations, err)
			break
		}
		fresh, err := t.place(e)
		if err == nil {
			err = t.persist(ctx, e, fresh)
		}
		if err != nil {
			violations = append(violations, err)
			continue
		}
		added = append(added, e)
	}

	if len(added) > 0 {
		t.log.Debugw("Timeline updated",
			logger.FieldCount, len(added),
			"max_id", t.MaximumID())
	}
	t.notify(added)

	switch len(violations) {
	case 0:
		return nil
	case 1:
		return violations[0]
	default:
		return errors.Join(violations...)
	}
}

// place links e between its neighbours and fixes its natural order. fresh
// reports whether the natural order was assigned rather than confirmed.
func (t *Timeline) place(e *Entry) (fresh bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cause, ok := t.halted[e.Pipeline]; ok {
		return false, errors.WithDetailf(
			errors.Wrapf(cause, "pipeline %s halted, not placing %s", e.Pipeline, e),
			"Entry: %d", e.ID)
	}
	if _, dup := t.byID[e.ID]; dup {
		return false, errors.NewIntegrityViolationf("entry %s already on the timeline", e)
	}

	runs := t.byPipeline[e.Pipeline]
	pos := slices.IndexFunc(runs, func(existing *Entry) bool {
		return e.Compare(existing) < 0
	})
	if pos < 0 {
		pos = len(runs)
	}

	stored := e.naturalOrder
	if err := t.link(e, runs, pos); err != nil {
		t.halt(e, err)
		return false, err
	}

	t.byPipeline[e.Pipeline] = slices.Insert(runs, pos, e)
	t.byID[e.ID] = e
	if e.ID > t.maxID {
		t.maxID = e.ID
	}
	return stored == 0, nil
}

func (t *Timeline) link(e *Entry, runs []*Entry, pos int) error {
	if pos > 0 {
		if err := e.SetInsertedAfter(runs[pos-1]); err != nil {
			return err
		}
	}
	if pos < len(runs) {
		if err := e.SetInsertedBefore(runs[pos]); err != nil {
			return err
		}
	}
	return e.UpdateNaturalOrder()
}

func (t *Timeline) halt(e *Entry, err error) {
	t.halted[e.Pipeline] = err
	t.log.Errorw("Timeline integrity violation, halting pipeline",
		logger.FieldPipeline, e.Pipeline,
		logger.FieldCounter, e.Counter,
		logger.FieldError, err)
}

func (t *Timeline) persist(ctx context.Context, e *Entry, fresh bool) error {
	if !fresh || t.sink == nil {
		return nil
	}
	if err := t.sink.SaveNaturalOrder(ctx, e.ID, e.NaturalOrder()); err != nil {
		return errors.WithDetailf(
			errors.Wrapf(err, "failed to persist natural order of %s", e),
			"Natural order: %v", e.NaturalOrder())
	}
	return nil
}

func (t *Timeline) notify(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	t.mu.RLock()
	listeners := slices.Clone(t.listeners)
	t.mu.RUnlock()

	for _, e := range entries {
		for _, l := range listeners {
			l.OnEntryAdded(e)
		}
	}
}

// Halted returns the violation that stopped a pipeline, if any
func (t *Timeline) Halted(pipeline string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.halted[pipeline]
}

// EntriesFor returns a pipeline's runs in natural order
func (t *Timeline) EntriesFor(pipeline string) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.byPipeline[pipeline])
}

// InstanceCount is the number of placed runs of pipeline
func (t *Timeline) InstanceCount(pipeline string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPipeline[pipeline])
}

// MaximumID is the largest insertion id seen across pipelines
func (t *Timeline) MaximumID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxID
}

// MaximumIDFor is the largest insertion id of pipeline, or zero
func (t *Timeline) MaximumIDFor(pipeline string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var max int64
	for _, e := range t.byPipeline[pipeline] {
		if e.ID > max {
			max = e.ID
		}
	}
	return max
}

// RunBefore returns the run of pipeline placed immediately before id
func (t *Timeline) RunBefore(id int64, pipeline string) (*Entry, bool) {
	return t.neighbour(id, pipeline, -1)
}

// RunAfter returns the run of pipeline placed immediately after id
func (t *Timeline) RunAfter(id int64, pipeline string) (*Entry, bool) {
	return t.neighbour(id, pipeline, 1)
}

// PipelineBefore returns the id of the run placed before id in its own pipeline
func (t *Timeline) PipelineBefore(id int64) (int64, bool) {
	return t.neighbourID(id, -1)
}

// PipelineAfter returns the id of the run placed after id in its own pipeline
func (t *Timeline) PipelineAfter(id int64) (int64, bool) {
	return t.neighbourID(id, 1)
}

func (t *Timeline) neighbourID(id int64, step int) (int64, bool) {
	t.mu.RLock()
	e, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	n, ok := t.neighbour(id, e.Pipeline, step)
	if !ok {
		return 0, false
	}
	return n.ID, true
}

func (t *Timeline) neighbour(id int64, pipeline string, step int) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	runs := t.byPipeline[pipeline]
	i := slices.IndexFunc(runs, func(e *Entry) bool { return e.ID == id })
	if i < 0 {
		return nil, false
	}
	j := i + step
	if j < 0 || j >= len(runs) {
		return nil, false
	}
	return runs[j], true
}
