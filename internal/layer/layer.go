// Package layer defines the contract between the host's editable data layers
// and the change observer: layer descriptors, records, and the typed edit
// events a layer emits while its edit buffer is committed.
package layer

import (
	"maps"
	"reflect"
)

// RecordID identifies a record within a single layer.
type RecordID int64

// Geometry is an opaque geometry value, usually WKT. The empty string means
// the record has no geometry.
type Geometry string

// Record is the full state of one record.
type Record struct {
	ID       RecordID
	Fields   map[string]any
	Geometry Geometry
}

// Clone returns a deep enough copy so the caller can keep it across edits.
func (r Record) Clone() Record {
	return Record{
		ID:       r.ID,
		Fields:   maps.Clone(r.Fields),
		Geometry: r.Geometry,
	}
}

// FieldEqual reports whether two field values are the same.
func FieldEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Capability is a set of flags the host attaches to a layer.
type Capability uint32

const (
	// SyncRelevant marks layers whose edits are captured and shipped upstream.
	SyncRelevant Capability = 1 << iota
	// ReadOnly layers never emit edit events.
	ReadOnly
)

func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// Layer is the read side of an editable layer.
type Layer interface {
	ID() string
	Name() string
	Capabilities() Capability

	// Record returns the committed state of a record, i.e. the state before
	// the edit batch currently being applied.
	Record(id RecordID) (Record, bool)

	// PendingChanges lists the records the next edit batch will modify or
	// delete. Records added by the batch are not included.
	PendingChanges() []RecordID
}

// Sink receives edit events.
type Sink interface {
	Push(events ...Event)
}

// Notifier is implemented by layers that deliver their events to subscribers.
type Notifier interface {
	Subscribe(sink Sink) (unsubscribe func())
}
