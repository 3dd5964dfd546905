package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toGeneric(t *testing.T, v interface{}) interface{} {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		from interface{}
		to   interface{}
	}{
		{"simple field change", map[string]interface{}{"title": "t", "v": 1.0}, map[string]interface{}{"title": "t2", "v": 1.0}},
		{"add and remove keys", map[string]interface{}{"a": 1.0}, map[string]interface{}{"b": 2.0}},
		{"nested object", map[string]interface{}{"meta": map[string]interface{}{"x": 1.0}}, map[string]interface{}{"meta": map[string]interface{}{"x": 2.0, "y": 3.0}}},
		{"array append", map[string]interface{}{"tags": []interface{}{"existing"}}, map[string]interface{}{"tags": []interface{}{"existing", "test"}}},
		{"array shrink", map[string]interface{}{"tags": []interface{}{"a", "b", "c"}}, map[string]interface{}{"tags": []interface{}{"a"}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			from := toGeneric(t, c.from)
			to := toGeneric(t, c.to)

			ops, err := Diff(from, to)
			require.NoError(t, err)

			got, err := Apply(from, ops)
			require.NoError(t, err)
			assert.Equal(t, to, got)
		})
	}
}

func TestChecksumDeterminism(t *testing.T) {
	v1 := toGeneric(t, map[string]interface{}{"a": 1.0, "b": 2.0})
	v2 := toGeneric(t, map[string]interface{}{"b": 2.0, "a": 1.0})
	v3 := toGeneric(t, map[string]interface{}{"a": 1.0, "b": 3.0})

	h1, err := Checksum(v1)
	require.NoError(t, err)
	h2, err := Checksum(v2)
	require.NoError(t, err)
	h3, err := Checksum(v3)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "key order must not affect the hash")
	assert.NotEqual(t, h1, h3)
}

func TestReversePatchRestoresOriginal(t *testing.T) {
	original := toGeneric(t, map[string]interface{}{"text": "orig"})
	updated := toGeneric(t, map[string]interface{}{"text": "new"})

	forward, err := Diff(original, updated)
	require.NoError(t, err)

	result, err := Apply(original, forward)
	require.NoError(t, err)
	assert.Equal(t, updated, result)

	reverse, err := ReversePatch(original, result)
	require.NoError(t, err)

	restored, err := Apply(result, reverse)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestApplyFailsOnMissingPath(t *testing.T) {
	doc := toGeneric(t, map[string]interface{}{"a": 1.0})
	ops := Patch{{Op: OpReplace, Path: "/missing", Value: 2.0}}

	_, err := Apply(doc, ops)
	require.Error(t, err)
	var failed *PatchFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, OpReplace, failed.Op)
}

func TestTransformSameIndexConcurrentAdd(t *testing.T) {
	base := toGeneric(t, []interface{}{"a", "b", "c"})

	a := Patch{{Op: OpAdd, Path: "/1", Value: "X"}}
	b := Patch{{Op: OpAdd, Path: "/1", Value: "Y"}}

	ta, tb, conflicts, err := TransformPatches(a, b, Operational)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	// Schedule 1: apply original a, then transformed b.
	afterA, err := Apply(base, a)
	require.NoError(t, err)
	result1, err := Apply(afterA, tb)
	require.NoError(t, err)

	// Schedule 2: apply original b, then transformed a.
	afterB, err := Apply(base, b)
	require.NoError(t, err)
	result2, err := Apply(afterB, ta)
	require.NoError(t, err)

	assert.Equal(t, result1, result2)

	arr := result1.([]interface{})
	require.Len(t, arr, 5)
	assert.Contains(t, arr, "X")
	assert.Contains(t, arr, "Y")
	assert.Contains(t, arr, "a")
	assert.Contains(t, arr, "b")
	assert.Contains(t, arr, "c")
}

func TestTransformDistinctPathsCommute(t *testing.T) {
	a := Patch{{Op: OpReplace, Path: "/x", Value: 1.0}}
	b := Patch{{Op: OpReplace, Path: "/y", Value: 2.0}}

	ta, tb, conflicts, err := TransformPatches(a, b, Operational)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, a, ta)
	assert.Equal(t, b, tb)
}

func TestTransformSamePathReplaceConflicts(t *testing.T) {
	a := Patch{{Op: OpReplace, Path: "/x", Value: 1.0}}
	b := Patch{{Op: OpReplace, Path: "/x", Value: 2.0}}

	_, _, conflicts, err := TransformPatches(a, b, Operational)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestSegmentsEscaping(t *testing.T) {
	segs := Segments("/a~1b/c~0d")
	assert.Equal(t, []string{"a/b", "c~d"}, segs)
	assert.Equal(t, "/a~1b/c~0d", JoinPointer(segs))
}
