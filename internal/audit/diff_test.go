package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareReportsAddedArrayItem(t *testing.T) {
	before := map[string]any{"a": 1, "b": []any{"x"}}
	after := map[string]any{"a": 1, "b": []any{"x", "y"}}

	diff, err := Compare(before, after)
	require.NoError(t, err)
	require.Len(t, diff, 2)

	assert.Equal(t, Unchanged, diff["a"].Summary)
	assert.False(t, diff["a"].Changed())

	b := diff["b"]
	assert.Equal(t, KindArray, b.Kind)
	assert.Equal(t, "1 item added", b.Summary)
	assert.Equal(t, 1, b.SizeBefore)
	assert.Equal(t, 2, b.SizeAfter)
	assert.Equal(t, []any{"y"}, b.Added)
	assert.Equal(t, []any{"x"}, b.Same)
	assert.Empty(t, b.Removed)
	assert.True(t, diff.HasChanges())
}

func TestCompareScalarChange(t *testing.T) {
	diff, err := Compare(map[string]any{"role": "staff", "active": true}, map[string]any{"role": "cost_controller", "active": true})
	require.NoError(t, err)

	assert.Equal(t, "changed: staff→cost_controller", diff["role"].Summary)
	assert.Equal(t, Unchanged, diff["active"].Summary)
}

func TestCompareFieldPresentOnOneSide(t *testing.T) {
	diff, err := Compare(map[string]any{"locked_until": "2026-01-01T10:00:00Z"}, map[string]any{"reason": "manual"})
	require.NoError(t, err)

	assert.Equal(t, "changed: 2026-01-01T10:00:00Z→null", diff["locked_until"].Summary)
	assert.Equal(t, "changed: null→manual", diff["reason"].Summary)
}

func TestCompareArraysByIdentityKey(t *testing.T) {
	before := map[string]any{"grants": []any{
		map[string]any{"id": 1, "level": "read_only"},
		map[string]any{"id": 2, "level": "owner"},
	}}
	after := map[string]any{"grants": []any{
		map[string]any{"id": 1, "level": "management"},
		map[string]any{"id": 3, "level": "read_only"},
	}}

	diff, err := Compare(before, after)
	require.NoError(t, err)

	g := diff["grants"]
	assert.Equal(t, "1 item added, 1 item removed, 1 item changed", g.Summary)
	require.Len(t, g.Added, 1)
	require.Len(t, g.Removed, 1)
	require.Len(t, g.Modified, 1)
	assert.Empty(t, g.Same)
}

func TestCompareArraysByValueCountsDuplicates(t *testing.T) {
	diff, err := Compare(
		map[string]any{"tags": []any{"a", "a", "b"}},
		map[string]any{"tags": []any{"a", "b", "c", "c"}},
	)
	require.NoError(t, err)

	tags := diff["tags"]
	assert.Equal(t, "2 items added, 1 item removed", tags.Summary)
	assert.Equal(t, 3, tags.SizeBefore)
	assert.Equal(t, 4, tags.SizeAfter)
}

func TestCompareNestedObjects(t *testing.T) {
	diff, err := Compare(
		map[string]any{"settings": map[string]any{"tz": "UTC"}, "meta": map[string]any{"k": 1}},
		map[string]any{"settings": map[string]any{"tz": "Asia/Jakarta"}, "meta": map[string]any{"k": 1}},
	)
	require.NoError(t, err)

	assert.Equal(t, Unchanged, diff["meta"].Summary)
	settings := diff["settings"]
	assert.Equal(t, KindObject, settings.Kind)
	assert.Equal(t, map[string]any{"tz": "UTC"}, settings.Before)
	assert.Equal(t, map[string]any{"tz": "Asia/Jakarta"}, settings.After)
}

func TestCompareAcceptsStructs(t *testing.T) {
	type user struct {
		Role      string   `json:"role"`
		Overrides []string `json:"overrides"`
	}
	diff, err := Compare(user{Role: "staff"}, user{Role: "staff", Overrides: []string{"audit.view_all"}})
	require.NoError(t, err)

	assert.Equal(t, Unchanged, diff["role"].Summary)
	assert.Equal(t, "1 item added", diff["overrides"].Summary)
	assert.Equal(t, 0, diff["overrides"].SizeBefore)
}

func TestStoredDiffKeepsEmptyStartingSize(t *testing.T) {
	diff, err := Compare(map[string]any{"tags": []any{}}, map[string]any{"tags": []any{"a", "b"}})
	require.NoError(t, err)

	raw, err := json.Marshal(diff)
	require.NoError(t, err)
	var stored Diff
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Contains(t, string(raw), `"size_before":0`)
	assert.Equal(t, 0, stored["tags"].SizeBefore)
	assert.Equal(t, 2, stored["tags"].SizeAfter)
}

func TestCompareBothNil(t *testing.T) {
	diff, err := Compare(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, diff)
	assert.False(t, diff.HasChanges())
}

func TestCompareRejectsNonObjects(t *testing.T) {
	_, err := Compare([]int{1}, nil)
	require.Error(t, err)
}
