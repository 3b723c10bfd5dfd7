package layer

// Event is one notification from a layer or from the workspace owning it.
type Event interface {
	// Layer returns the id of the layer the event concerns.
	Layer() string
}

// BeforeEditsApplied fires right before an edit batch is written to the
// layer, while Record still returns the old values.
type BeforeEditsApplied struct {
	LayerID string
}

// RecordsAdded carries the records a batch created, in creation order.
type RecordsAdded struct {
	LayerID string
	Records []Record
}

// RecordsRemoved carries the identities a batch deleted.
type RecordsRemoved struct {
	LayerID string
	IDs     []RecordID
}

// FieldsChanged carries the new values of the fields a batch changed.
type FieldsChanged struct {
	LayerID string
	Changes map[RecordID]map[string]any
}

// GeometriesChanged carries the new geometries a batch changed.
type GeometriesChanged struct {
	LayerID string
	Changes map[RecordID]Geometry
}

// EditingStopped fires when the editing session on a layer is closed.
type EditingStopped struct {
	LayerID string
}

// LayerAdded announces a layer joining the workspace.
type LayerAdded struct {
	Added Layer
}

// LayerRemoved announces a layer leaving the workspace.
type LayerRemoved struct {
	LayerID string
}

func (e BeforeEditsApplied) Layer() string { return e.LayerID }
func (e RecordsAdded) Layer() string       { return e.LayerID }
func (e RecordsRemoved) Layer() string     { return e.LayerID }
func (e FieldsChanged) Layer() string      { return e.LayerID }
func (e GeometriesChanged) Layer() string  { return e.LayerID }
func (e EditingStopped) Layer() string     { return e.LayerID }
func (e LayerAdded) Layer() string         { return e.Added.ID() }
func (e LayerRemoved) Layer() string       { return e.LayerID }
