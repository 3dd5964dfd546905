package patch

import "fmt"

// ReversePatch produces a patch that, applied to forwardResult (the value
// obtained by applying forward to original), restores original. Rather than
// inverting each operation in forward individually, it diffs forwardResult
// back to original directly — simpler, and robust to move/copy operations
// whose inverse isn't a single well-defined op.
func ReversePatch(original, forwardResult interface{}) (Patch, error) {
	ops, err := Diff(forwardResult, original)
	if err != nil {
		return nil, fmt.Errorf("diff for reverse patch: %w", err)
	}
	return ops, nil
}
