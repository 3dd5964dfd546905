package patch

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// Apply applies p to value and returns the resulting value. It delegates
// the per-operation mechanics (add/remove/replace/move/copy/test) to
// evanphx/json-patch, which already implements RFC 6902 faithfully; this
// package only owns diffing, hashing, and transforming patches, not
// re-applying them.
func Apply(value interface{}, p Patch) (interface{}, error) {
	docBytes, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	patchBytes, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}

	decoded, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	resultBytes, err := decoded.Apply(docBytes)
	if err != nil {
		return nil, failureFor(docBytes, p, err)
	}

	var result interface{}
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		return nil, fmt.Errorf("unmarshal patched document: %w", err)
	}
	return result, nil
}

// failureFor names the specific operation that failed by re-applying the
// patch one operation at a time against the real document, since the
// underlying library's Apply only reports the error for the whole patch.
func failureFor(docBytes []byte, p Patch, cause error) error {
	cur := docBytes
	for i, op := range p {
		stepBytes, err := json.Marshal(Patch{op})
		if err != nil {
			continue
		}
		decoded, err := jsonpatch.DecodePatch(stepBytes)
		if err != nil {
			continue
		}
		next, err := decoded.Apply(cur)
		if err != nil {
			return &PatchFailed{Index: i, Op: op.Op, Path: op.Path, Msg: err.Error()}
		}
		cur = next
	}
	last := p[len(p)-1]
	return &PatchFailed{Index: len(p) - 1, Op: last.Op, Path: last.Path, Msg: cause.Error()}
}
