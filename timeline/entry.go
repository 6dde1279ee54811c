// Package timeline keeps a natural order over pipeline runs.
//
// Runs of one pipeline are ordered by when their material revisions were
// checked in, not by counter. Each entry is placed once and receives a
// fractional natural order between its neighbours; the placement is
// permanent.
package timeline

import (
	"cmp"
	"fmt"
	"time"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
)

// Entry is one pipeline run on the timeline
type Entry struct {
	ID        int64 // insertion id, monotonic
	Pipeline  string
	Counter   int
	Revisions map[string][]material.Revision // fingerprint -> revisions, earliest first

	naturalOrder float64
	before       *Entry // successor at insertion time
	after        *Entry // predecessor at insertion time
}

// NewEntry creates an entry. A nonzero naturalOrder is a previously
// persisted value that placement must reproduce.
func NewEntry(pipeline string, id int64, counter int, revisions map[string][]material.Revision, naturalOrder float64) *Entry {
	if revisions == nil {
		revisions = map[string][]material.Revision{}
	}
	return &Entry{
		ID:           id,
		Pipeline:     pipeline,
		Counter:      counter,
		Revisions:    revisions,
		naturalOrder: naturalOrder,
	}
}

// NaturalOrder returns the placement value, zero until placed
func (e *Entry) NaturalOrder() float64 {
	return e.naturalOrder
}

// InsertedBefore is the entry this one was inserted in front of
func (e *Entry) InsertedBefore() *Entry {
	return e.before
}

// InsertedAfter is the entry this one was inserted behind
func (e *Entry) InsertedAfter() *Entry {
	return e.after
}

// SetInsertedBefore links the successor. It may be set once.
func (e *Entry) SetInsertedBefore(successor *Entry) error {
	if e.before != nil {
		return errors.NewIntegrityViolationf(
			"cannot insert %s before %s: already inserted before %s", e, successor, e.before)
	}
	e.before = successor
	return nil
}

// SetInsertedAfter links the predecessor. It may be set once.
func (e *Entry) SetInsertedAfter(predecessor *Entry) error {
	if e.after != nil {
		return errors.NewIntegrityViolationf(
			"cannot insert %s after %s: already inserted after %s", e, predecessor, e.after)
	}
	e.after = predecessor
	return nil
}

// UpdateNaturalOrder derives the natural order from the insertion links. A
// stored value that disagrees with the derived one is an integrity violation.
func (e *Entry) UpdateNaturalOrder() error {
	computed := e.computeNaturalOrder()
	if e.naturalOrder > 0 && e.naturalOrder != computed {
		return errors.NewIntegrityViolationf(
			"natural order of %s is %v, recomputed as %v", e, e.naturalOrder, computed)
	}
	e.naturalOrder = computed
	return nil
}

func (e *Entry) computeNaturalOrder() float64 {
	switch {
	case e.after == nil && e.before == nil:
		return 1.0
	case e.after == nil:
		return e.before.naturalOrder / 2.0
	case e.before == nil:
		return e.after.naturalOrder + 1.0
	default:
		return (e.after.naturalOrder + e.before.naturalOrder) / 2.0
	}
}

// Compare orders two runs: by earliest shared revision date when every
// deciding material agrees, else by counter, else by insertion id
func (e *Entry) Compare(other *Entry) int {
	if e == other {
		return 0
	}
	if dir := e.revisionDirection(other); dir != 0 {
		return dir
	}
	if c := cmp.Compare(e.Counter, other.Counter); c != 0 {
		return c
	}
	return cmp.Compare(e.ID, other.ID)
}

// revisionDirection is -1 or 1 when shared materials agree, 0 when there are
// none, all tie, or they disagree
func (e *Entry) revisionDirection(other *Entry) int {
	dir := 0
	for fp, mine := range e.Revisions {
		theirs, ok := other.Revisions[fp]
		if !ok || len(mine) == 0 || len(theirs) == 0 {
			continue
		}
		c := earliest(mine).Compare(earliest(theirs))
		if c == 0 {
			continue
		}
		if dir != 0 && c != dir {
			return 0
		}
		dir = c
	}
	return dir
}

// earliest is the oldest revision date in revs, whatever their order
func earliest(revs []material.Revision) time.Time {
	first := revs[0].Date
	for _, r := range revs[1:] {
		if r.Date.Before(first) {
			first = r.Date
		}
	}
	return first
}

func (e *Entry) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%d#%d", e.Pipeline, e.Counter, e.ID)
}
