package auditstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTableName(t *testing.T) {
	for _, ok := range []string{"audit_log", "AuditLog", "_private", "t1"} {
		assert.NoError(t, validateTableName(ok), "table name %q should be accepted", ok)
	}
	for _, bad := range []string{"", "1table", "audit-log", "audit log", "audit;drop"} {
		assert.Error(t, validateTableName(bad), "table name %q should be rejected", bad)
	}
}

func TestSortContents(t *testing.T) {
	contents := []any{
		map[string]any{"id": 2.0, "name": "b"},
		"not an object",
		map[string]any{"name": "no-id"},
		map[string]any{"id": 1.0, "name": "a"},
	}

	sortContents(contents)

	assert.Equal(t, map[string]any{"id": 1.0, "name": "a"}, contents[0])
	assert.Equal(t, map[string]any{"id": 2.0, "name": "b"}, contents[1])
	// Entries without a numeric id keep their relative order at the end.
	assert.Equal(t, "not an object", contents[2])
	assert.Equal(t, map[string]any{"name": "no-id"}, contents[3])
}

func TestContentID(t *testing.T) {
	v, ok := contentID(map[string]any{"id": 3.0})
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	v, ok = contentID(map[string]any{"id": int64(4)})
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)

	_, ok = contentID(map[string]any{"id": "three"})
	assert.False(t, ok)

	_, ok = contentID([]any{"no", "map"})
	assert.False(t, ok)
}
