package patch

import "fmt"

// Op is one of the six RFC 6902 operation kinds.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpMove    Op = "move"
	OpCopy    Op = "copy"
	OpTest    Op = "test"
)

// Operation is a single RFC 6902 patch operation. Value is always
// serialized, never omitted: evanphx/json-patch treats a missing "value"
// member as an error for add/replace/test, and a document field can
// legitimately be set to JSON null, which omitempty would otherwise drop.
type Operation struct {
	Op    Op          `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value"`
}

// Patch is an ordered sequence of JSON-Pointer operations.
type Patch []Operation

// DocumentPatch bundles a target document id, its patch operations, and the
// content hash of the document before the patch (for optimistic locking).
type DocumentPatch struct {
	DocumentID  string `json:"document_id"`
	Operations  Patch  `json:"operations"`
	ContentHash string `json:"content_hash"`
}

// PatchFailed is returned when a patch operation cannot be applied to the
// current value (missing path, failed test, type mismatch).
type PatchFailed struct {
	Index int
	Op    Op
	Path  string
	Msg   string
}

func (e *PatchFailed) Error() string {
	return fmt.Sprintf("patch op %d (%s %s) failed: %s", e.Index, e.Op, e.Path, e.Msg)
}
