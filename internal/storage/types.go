package storage

import "encoding/json"

// Delta is one uploaded change record as stored by the server. Payload holds
// the record exactly as the client encoded it.
type Delta struct {
	ServerSeq int64           `json:"serverSeq,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	BatchID   string          `json:"batchId,omitempty"`
	DeltaID   string          `json:"id"`
	Kind      string          `json:"kind"`
	LayerID   string          `json:"layerId"`
	RecordID  int64           `json:"recordId"`
	Payload   json.RawMessage `json:"payload"`
}
