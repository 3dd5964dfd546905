package patch

import (
	"fmt"
	"strconv"
)

// Strategy selects how TransformPatches resolves two concurrent patches
// produced against the same base document.
type Strategy int

const (
	// LastWriteWins passes both patches through unchanged; conflict
	// resolution happens by external priority (e.g. server arrival order)
	// rather than by adjusting the patches themselves.
	LastWriteWins Strategy = iota
	// Operational applies JSON-pointer-aware operational transformation so
	// non-overlapping edits commute and array-sibling inserts/removes keep
	// their indices consistent.
	Operational
)

// Conflict records a same-path write that TransformPatches could not
// reconcile automatically; the caller resolves it (e.g. by timestamp or
// server priority).
type Conflict struct {
	PathA string
	PathB string
	Msg   string
}

// TransformPatches transforms a and b, both produced against the same base
// state, into a commuting pair a', b'. See spec §4.3 for the full rule set;
// this implements it operation-by-operation across the two patches.
func TransformPatches(a, b Patch, strategy Strategy) (Patch, Patch, []Conflict, error) {
	if strategy == LastWriteWins {
		return a, b, nil, nil
	}

	outA := make(Patch, len(a))
	copy(outA, a)
	outB := make(Patch, len(b))
	copy(outB, b)

	var conflicts []Conflict
	for i := range outA {
		for j := range outB {
			na, nb, conflict, err := transformOps(outA[i], outB[j])
			if err != nil {
				return nil, nil, nil, err
			}
			outA[i] = na
			outB[j] = nb
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
			}
		}
	}
	return outA, outB, conflicts, nil
}

type relation int

const (
	relUnrelated relation = iota
	relSame
	relSibling
	relAncestor // one path is a strict prefix of the other
)

func classify(pathA, pathB string) relation {
	segA := Segments(pathA)
	segB := Segments(pathB)

	if isPrefix(segA, segB) || isPrefix(segB, segA) {
		if len(segA) == len(segB) {
			return relSame
		}
		return relAncestor
	}

	if len(segA) == len(segB) && len(segA) > 0 && equalSegments(segA[:len(segA)-1], segB[:len(segB)-1]) {
		return relSibling
	}

	return relUnrelated
}

func isPrefix(short, long []string) bool {
	if len(short) > len(long) {
		return false
	}
	return equalSegments(short, long[:len(short)])
}

func equalSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// transformOps transforms a single pair of operations, one from each
// patch, against each other.
func transformOps(a, b Operation) (Operation, Operation, *Conflict, error) {
	rel := classify(a.Path, b.Path)

	switch rel {
	case relUnrelated, relAncestor:
		// Distinct, non-overlapping subtrees: commute unchanged.
		return a, b, nil, nil

	case relSame:
		if a.Op == OpAdd && b.Op == OpAdd {
			return shiftArraySiblings(a, b)
		}
		return a, b, &Conflict{
			PathA: a.Path,
			PathB: b.Path,
			Msg:   fmt.Sprintf("concurrent %s/%s at %s", a.Op, b.Op, a.Path),
		}, nil

	case relSibling:
		if isArrayIndex(lastSegment(a.Path)) && isArrayIndex(lastSegment(b.Path)) {
			return shiftArraySiblings(a, b)
		}
		// Different object keys under the same parent: commute.
		return a, b, nil, nil
	}

	return a, b, nil, nil
}

// shiftArraySiblings applies spec §4.3 step 5's index-adjustment rules for
// two operations addressing sibling positions of the same array (or the
// same position, for concurrent inserts).
func shiftArraySiblings(a, b Operation) (Operation, Operation, *Conflict, error) {
	i, err := strconv.Atoi(lastSegment(a.Path))
	if err != nil {
		return a, b, nil, fmt.Errorf("non-integer array index in %q: %w", a.Path, err)
	}
	j, err := strconv.Atoi(lastSegment(b.Path))
	if err != nil {
		return a, b, nil, fmt.Errorf("non-integer array index in %q: %w", b.Path, err)
	}

	newJ := j
	switch {
	case a.Op == OpAdd && b.Op == OpAdd && j >= i:
		newJ = j + 1
	case a.Op == OpAdd && b.Op == OpAdd && j < i:
		newJ = j
	case a.Op == OpRemove && b.Op == OpRemove && j > i:
		newJ = j - 1
	case a.Op == OpAdd && b.Op == OpRemove && j >= i:
		newJ = j + 1
	case a.Op == OpRemove && b.Op == OpAdd && j > i:
		newJ = j - 1
	default:
		newJ = j
	}

	if newJ < 0 {
		return a, b, nil, fmt.Errorf("index adjustment for %q produced a negative index", b.Path)
	}

	adjustedB := b
	adjustedB.Path = withLastSegment(b.Path, strconv.Itoa(newJ))
	return a, adjustedB, nil, nil
}

func lastSegment(path string) string {
	segs := Segments(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func withLastSegment(path, newLast string) string {
	segs := Segments(path)
	if len(segs) == 0 {
		return path
	}
	segs[len(segs)-1] = newLast
	return JoinPointer(segs)
}

func isArrayIndex(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}
