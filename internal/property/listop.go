package property

import "encoding/json"

// List operation names carried in diff blobs. Subscribers replay these
// against their mirror instead of re-fetching the whole list.
const (
	OpAppend    = "append"
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpExtend    = "extend"
	OpPop       = "pop"
	OpClear     = "clear"
	OpRemove    = "remove"
	OpDeleteAll = "delete_all"
	OpMetadata  = "metadata"
)

// ListOp is the wire blob for a list mutation. Length is the list length
// after the operation, so a subscriber can sanity-check its mirror.
type ListOp struct {
	List      string            `json:"list"`
	Operation string            `json:"operation"`
	Item      json.RawMessage   `json:"item,omitempty"`
	Index     *int              `json:"index,omitempty"`
	Items     []json.RawMessage `json:"items,omitempty"`
	Length    int               `json:"length"`
}
