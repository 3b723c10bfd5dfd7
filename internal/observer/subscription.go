package observer

import (
	"maps"
	"slices"
	"time"

	"github.com/golang/glog"

	"fieldsync/internal/deltalog"
	"fieldsync/internal/layer"
)

// subscription turns the events of one layer into change records. Prior
// values are snapshotted on BeforeEditsApplied and advanced as patches are
// emitted, so each patch is relative to what the log already describes. A
// repeated notification therefore diffs to nothing and writes no record.
type subscription struct {
	layer       layer.Layer
	unsubscribe func()

	prior map[layer.RecordID]layer.Record
}

func newSubscription(l layer.Layer) *subscription {
	s := &subscription{layer: l}
	s.clearSession()
	return s
}

func (s *subscription) clearSession() {
	s.prior = make(map[layer.RecordID]layer.Record)
}

// handle returns the records ev produces, in the order they must be written.
func (s *subscription) handle(ev layer.Event, now time.Time) []deltalog.Record {
	switch e := ev.(type) {
	case layer.BeforeEditsApplied:
		s.snapshot()
	case layer.RecordsAdded:
		return s.created(e.Records, now)
	case layer.RecordsRemoved:
		return s.removed(e.IDs, now)
	case layer.FieldsChanged:
		return s.fieldsChanged(e.Changes, now)
	case layer.GeometriesChanged:
		return s.geometriesChanged(e.Changes, now)
	case layer.EditingStopped:
		s.clearSession()
	}
	return nil
}

// snapshot captures the records the coming batch touches. A record already
// captured keeps its older snapshot.
func (s *subscription) snapshot() {
	for _, id := range s.layer.PendingChanges() {
		if _, ok := s.prior[id]; ok {
			continue
		}
		rec, ok := s.layer.Record(id)
		if !ok {
			continue
		}
		s.prior[id] = rec.Clone()
	}
}

func (s *subscription) created(records []layer.Record, now time.Time) []deltalog.Record {
	out := make([]deltalog.Record, 0, len(records))
	for _, r := range records {
		rec := deltalog.NewRecord(deltalog.KindCreate, s.layer.ID(), int64(r.ID), now)
		rec.Fields = maps.Clone(r.Fields)
		rec.Geometry = geometryPtr(r.Geometry)
		out = append(out, rec)
	}
	return out
}

func (s *subscription) removed(ids []layer.RecordID, now time.Time) []deltalog.Record {
	out := make([]deltalog.Record, 0, len(ids))
	for _, id := range ids {
		rec := deltalog.NewRecord(deltalog.KindDelete, s.layer.ID(), int64(id), now)
		if prior, ok := s.prior[id]; ok {
			rec.PriorFields = maps.Clone(prior.Fields)
			rec.PriorGeometry = geometryPtr(prior.Geometry)
		}
		delete(s.prior, id)
		out = append(out, rec)
	}
	return out
}

func (s *subscription) fieldsChanged(changes map[layer.RecordID]map[string]any, now time.Time) []deltalog.Record {
	var out []deltalog.Record
	for _, id := range slices.Sorted(maps.Keys(changes)) {
		prior, ok := s.prior[id]
		if !ok {
			glog.Warningf("layer %s: field change on record %d without snapshot", s.layer.ID(), id)
			continue
		}

		rec := deltalog.NewRecord(deltalog.KindPatch, s.layer.ID(), int64(id), now)
		for name, value := range changes[id] {
			old, had := prior.Fields[name]
			if had && layer.FieldEqual(old, value) {
				continue
			}
			if rec.Fields == nil {
				rec.Fields = make(map[string]any)
				rec.PriorFields = make(map[string]any)
			}
			rec.Fields[name] = value
			rec.PriorFields[name] = old
		}
		if rec.Empty() {
			continue
		}
		if prior.Fields == nil {
			prior.Fields = make(map[string]any)
		}
		maps.Copy(prior.Fields, rec.Fields)
		s.prior[id] = prior
		out = append(out, rec)
	}
	return out
}

func (s *subscription) geometriesChanged(changes map[layer.RecordID]layer.Geometry, now time.Time) []deltalog.Record {
	var out []deltalog.Record
	for _, id := range slices.Sorted(maps.Keys(changes)) {
		prior, ok := s.prior[id]
		if !ok {
			glog.Warningf("layer %s: geometry change on record %d without snapshot", s.layer.ID(), id)
			continue
		}

		geometry := changes[id]
		if geometry == prior.Geometry {
			continue
		}
		rec := deltalog.NewRecord(deltalog.KindPatch, s.layer.ID(), int64(id), now)
		newValue, oldValue := string(geometry), string(prior.Geometry)
		rec.Geometry = &newValue
		rec.PriorGeometry = &oldValue

		prior.Geometry = geometry
		s.prior[id] = prior
		out = append(out, rec)
	}
	return out
}

func geometryPtr(g layer.Geometry) *string {
	if g == "" {
		return nil
	}
	v := string(g)
	return &v
}
