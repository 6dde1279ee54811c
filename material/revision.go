package material

import "time"

// Revision is an immutable point in a material's history. Two revisions are
// equal when date and revision string match; ID is storage bookkeeping.
type Revision struct {
	Date     time.Time
	Revision string
	ID       int64
}

// Equal compares on (date, revision)
func (r Revision) Equal(other Revision) bool {
	return r.Date.Equal(other.Date) && r.Revision == other.Revision
}

// Modification is a revision observed by an updater for a specific material
type Modification struct {
	ID          int64
	Fingerprint string
	Revision    string
	CommittedAt time.Time
	Author      string
	Comment     string
}

// AsRevision projects the modification onto the ordering-relevant fields
func (m Modification) AsRevision() Revision {
	return Revision{Date: m.CommittedAt, Revision: m.Revision, ID: m.ID}
}
