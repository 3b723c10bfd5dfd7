package layer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	ErrNotEditing    = errors.New("layer is not in editing mode")
	ErrUnknownRecord = errors.New("unknown record")
)

// Memory is an in-memory editable layer. Edits go to an edit buffer and only
// reach the committed records on CommitChanges, which emits the same event
// sequence a host layer would.
type Memory struct {
	mu      sync.Mutex
	id      string
	name    string
	caps    Capability
	records map[RecordID]Record
	nextID  RecordID
	editing bool

	added   []Record
	deleted map[RecordID]struct{}
	fields  map[RecordID]map[string]any
	geoms   map[RecordID]Geometry

	sinks    map[int]Sink
	nextSink int
}

func NewMemory(id, name string, caps Capability, records ...Record) *Memory {
	m := &Memory{
		id:      id,
		name:    name,
		caps:    caps,
		records: make(map[RecordID]Record, len(records)),
		nextID:  1,
		sinks:   make(map[int]Sink),
	}
	for _, r := range records {
		m.records[r.ID] = r.Clone()
		if r.ID >= m.nextID {
			m.nextID = r.ID + 1
		}
	}
	m.resetBuffer()
	return m
}

func (m *Memory) ID() string               { return m.id }
func (m *Memory) Name() string             { return m.name }
func (m *Memory) Capabilities() Capability { return m.caps }

func (m *Memory) Record(id RecordID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

func (m *Memory) PendingChanges() []RecordID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

func (m *Memory) pendingLocked() []RecordID {
	ids := make(map[RecordID]struct{})
	for id := range m.deleted {
		ids[id] = struct{}{}
	}
	for id := range m.fields {
		ids[id] = struct{}{}
	}
	for id := range m.geoms {
		ids[id] = struct{}{}
	}
	out := slices.Collect(maps.Keys(ids))
	slices.Sort(out)
	return out
}

func (m *Memory) Subscribe(sink Sink) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.nextSink
	m.nextSink++
	m.sinks[key] = sink
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sinks, key)
	}
}

func (m *Memory) StartEditing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editing = true
}

func (m *Memory) IsEditing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editing
}

// AddRecord buffers a new record and returns the id it will have once
// committed.
func (m *Memory) AddRecord(fields map[string]any, geometry Geometry) (RecordID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editing {
		return 0, ErrNotEditing
	}
	id := m.nextID
	m.nextID++
	m.added = append(m.added, Record{ID: id, Fields: maps.Clone(fields), Geometry: geometry})
	return id, nil
}

func (m *Memory) DeleteRecord(id RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editing {
		return ErrNotEditing
	}
	if i := m.addedIndex(id); i >= 0 {
		m.added = slices.Delete(m.added, i, i+1)
		return nil
	}
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("delete %d: %w", id, ErrUnknownRecord)
	}
	m.deleted[id] = struct{}{}
	delete(m.fields, id)
	delete(m.geoms, id)
	return nil
}

func (m *Memory) SetField(id RecordID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editing {
		return ErrNotEditing
	}
	if i := m.addedIndex(id); i >= 0 {
		if m.added[i].Fields == nil {
			m.added[i].Fields = make(map[string]any)
		}
		m.added[i].Fields[name] = value
		return nil
	}
	if err := m.checkExisting(id); err != nil {
		return fmt.Errorf("set field %s on %d: %w", name, id, err)
	}
	if m.fields[id] == nil {
		m.fields[id] = make(map[string]any)
	}
	m.fields[id][name] = value
	return nil
}

func (m *Memory) SetGeometry(id RecordID, geometry Geometry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editing {
		return ErrNotEditing
	}
	if i := m.addedIndex(id); i >= 0 {
		m.added[i].Geometry = geometry
		return nil
	}
	if err := m.checkExisting(id); err != nil {
		return fmt.Errorf("set geometry on %d: %w", id, err)
	}
	m.geoms[id] = geometry
	return nil
}

// CommitChanges writes the edit buffer to the layer. Subscribers see
// BeforeEditsApplied first, then one event per kind of change. The layer
// stays in editing mode.
func (m *Memory) CommitChanges() error {
	m.mu.Lock()
	if !m.editing {
		m.mu.Unlock()
		return ErrNotEditing
	}
	sinks := m.sinksLocked()
	m.mu.Unlock()

	m.emit(sinks, BeforeEditsApplied{LayerID: m.id})

	m.mu.Lock()
	var events []Event
	if len(m.added) > 0 {
		added := make([]Record, 0, len(m.added))
		for _, r := range m.added {
			m.records[r.ID] = r.Clone()
			added = append(added, r.Clone())
		}
		events = append(events, RecordsAdded{LayerID: m.id, Records: added})
	}
	if len(m.deleted) > 0 {
		removed := slices.Sorted(maps.Keys(m.deleted))
		for _, id := range removed {
			delete(m.records, id)
		}
		events = append(events, RecordsRemoved{LayerID: m.id, IDs: removed})
	}
	if len(m.fields) > 0 {
		changes := make(map[RecordID]map[string]any, len(m.fields))
		for id, values := range m.fields {
			r := m.records[id]
			if r.Fields == nil {
				r.Fields = make(map[string]any)
			}
			maps.Copy(r.Fields, values)
			m.records[id] = r
			changes[id] = maps.Clone(values)
		}
		events = append(events, FieldsChanged{LayerID: m.id, Changes: changes})
	}
	if len(m.geoms) > 0 {
		changes := maps.Clone(m.geoms)
		for id, g := range m.geoms {
			r := m.records[id]
			r.Geometry = g
			m.records[id] = r
		}
		events = append(events, GeometriesChanged{LayerID: m.id, Changes: changes})
	}
	m.resetBuffer()
	m.mu.Unlock()

	m.emit(sinks, events...)
	return nil
}

// StopEditing leaves editing mode, discarding anything not yet committed.
func (m *Memory) StopEditing() {
	m.mu.Lock()
	if !m.editing {
		m.mu.Unlock()
		return
	}
	m.editing = false
	m.resetBuffer()
	sinks := m.sinksLocked()
	m.mu.Unlock()

	m.emit(sinks, EditingStopped{LayerID: m.id})
}

func (m *Memory) emit(sinks []Sink, events ...Event) {
	if len(events) == 0 {
		return
	}
	for _, s := range sinks {
		s.Push(events...)
	}
}

func (m *Memory) sinksLocked() []Sink {
	keys := slices.Sorted(maps.Keys(m.sinks))
	out := make([]Sink, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.sinks[k])
	}
	return out
}

func (m *Memory) checkExisting(id RecordID) error {
	if _, ok := m.records[id]; !ok {
		return ErrUnknownRecord
	}
	if _, ok := m.deleted[id]; ok {
		return ErrUnknownRecord
	}
	return nil
}

func (m *Memory) addedIndex(id RecordID) int {
	return slices.IndexFunc(m.added, func(r Record) bool { return r.ID == id })
}

func (m *Memory) resetBuffer() {
	m.added = nil
	m.deleted = make(map[RecordID]struct{})
	m.fields = make(map[RecordID]map[string]any)
	m.geoms = make(map[RecordID]Geometry)
}

var (
	_ Layer    = (*Memory)(nil)
	_ Notifier = (*Memory)(nil)
)
