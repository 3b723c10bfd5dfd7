package deltalog

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the type of edit a Record describes.
type Kind string

const (
	KindCreate Kind = "create"
	KindDelete Kind = "delete"
	KindPatch  Kind = "patch"
)

// Record is one logical edit on one record of one layer. Records are never
// modified once appended to a log.
//
// Create carries the full state in Fields/Geometry. Delete carries the last
// known state in PriorFields/PriorGeometry when it was captured. Patch carries
// only what changed, with the matching prior values so it can be reverted.
type Record struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	LayerID       string         `json:"layerId"`
	RecordID      int64          `json:"recordId"`
	Fields        map[string]any `json:"fields,omitempty"`
	Geometry      *string        `json:"geometry,omitempty"`
	PriorFields   map[string]any `json:"priorFields,omitempty"`
	PriorGeometry *string        `json:"priorGeometry,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// NewRecord stamps a record with a sortable id and creation time.
func NewRecord(kind Kind, layerID string, recordID int64, now time.Time) Record {
	return Record{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:      kind,
		LayerID:   layerID,
		RecordID:  recordID,
		CreatedAt: now.UTC(),
	}
}

// Empty reports whether a patch changes nothing.
func (r Record) Empty() bool {
	return r.Kind == KindPatch && len(r.Fields) == 0 && r.Geometry == nil
}
