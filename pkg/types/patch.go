package types

import "encoding/json"

// OpType is an RFC 6902 operation name.
type OpType string

const (
	OpAdd     OpType = "add"
	OpRemove  OpType = "remove"
	OpReplace OpType = "replace"
	OpMove    OpType = "move"
	OpCopy    OpType = "copy"
	OpTest    OpType = "test"
)

// Operation is a single JSON Patch operation.
type Operation struct {
	Op    OpType `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// operationJSON mirrors Operation without omitempty on value so that
// add/replace/test keep an explicit null.
type operationJSON struct {
	Op    OpType `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value"`
}

// MarshalJSON writes "value" for the operations that carry one, including null.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		return json.Marshal(operationJSON{Op: o.Op, Path: o.Path, Value: o.Value})
	case OpMove, OpCopy:
		return json.Marshal(struct {
			Op   OpType `json:"op"`
			Path string `json:"path"`
			From string `json:"from"`
		}{o.Op, o.Path, o.From})
	default:
		return json.Marshal(struct {
			Op   OpType `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
}

// Patch is an ordered list of operations.
type Patch []Operation

// SequencedPatch is the unit delivered to sessions.
// On the wire it is {"event", "patch"} plus the sequence number and a
// resync marker.
type SequencedPatch struct {
	Channel  string `json:"event"`
	Sequence uint64 `json:"sequence"`
	// Resync marks a synthetic root replace carrying the full snapshot.
	Resync bool  `json:"resync,omitempty"`
	Patch  Patch `json:"patch"`
}

// Snapshot is the full value of a channel at a sequence number.
type Snapshot struct {
	Channel  string `json:"channel"`
	Sequence uint64 `json:"sequence"`
	Value    any    `json:"value"`
}

// ResyncPatch builds the synthetic patch that replaces the whole document.
func ResyncPatch(snap Snapshot) *SequencedPatch {
	return &SequencedPatch{
		Channel:  snap.Channel,
		Sequence: snap.Sequence,
		Resync:   true,
		Patch:    Patch{{Op: OpReplace, Path: "", Value: snap.Value}},
	}
}
