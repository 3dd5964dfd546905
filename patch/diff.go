package patch

import (
	"reflect"
	"strconv"
)

// Diff produces an RFC 6902 patch that transforms from into to. Both values
// are expected to be the generic shapes produced by encoding/json.Unmarshal
// into interface{} (map[string]interface{}, []interface{}, and JSON
// scalars). The result is minimal in the sense that it only emits operations
// for subtrees that actually differ, but array diffing is positional rather
// than LCS-based: applying the result reproduces to exactly, which is all
// the round trip needs, even where a shorter array patch exists.
func Diff(from, to interface{}) (Patch, error) {
	var ops Patch
	diffValue("", from, to, &ops)
	return ops, nil
}

func diffValue(path string, from, to interface{}, ops *Patch) {
	fromMap, fromIsMap := from.(map[string]interface{})
	toMap, toIsMap := to.(map[string]interface{})
	if fromIsMap && toIsMap {
		diffMaps(path, fromMap, toMap, ops)
		return
	}

	fromArr, fromIsArr := from.([]interface{})
	toArr, toIsArr := to.([]interface{})
	if fromIsArr && toIsArr {
		diffArrays(path, fromArr, toArr, ops)
		return
	}

	if !reflect.DeepEqual(from, to) {
		*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: to})
	}
}

func diffMaps(path string, from, to map[string]interface{}, ops *Patch) {
	for key, fromVal := range from {
		toVal, present := to[key]
		childPath := path + "/" + escapeToken(key)
		if !present {
			*ops = append(*ops, Operation{Op: OpRemove, Path: childPath})
			continue
		}
		diffValue(childPath, fromVal, toVal, ops)
	}
	for key, toVal := range to {
		if _, present := from[key]; present {
			continue
		}
		childPath := path + "/" + escapeToken(key)
		*ops = append(*ops, Operation{Op: OpAdd, Path: childPath, Value: toVal})
	}
}

func diffArrays(path string, from, to []interface{}, ops *Patch) {
	common := len(from)
	if len(to) < common {
		common = len(to)
	}
	for i := 0; i < common; i++ {
		childPath := path + "/" + intToken(i)
		diffValue(childPath, from[i], to[i], ops)
	}
	switch {
	case len(to) > len(from):
		for i := len(from); i < len(to); i++ {
			*ops = append(*ops, Operation{Op: OpAdd, Path: path + "/" + intToken(i), Value: to[i]})
		}
	case len(from) > len(to):
		// Remove from the tail backwards so earlier indices stay valid as
		// each removal is applied in sequence.
		for i := len(from) - 1; i >= len(to); i-- {
			*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + intToken(i)})
		}
	}
}

func intToken(i int) string {
	return strconv.Itoa(i)
}
