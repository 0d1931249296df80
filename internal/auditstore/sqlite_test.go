package auditstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securag/policygate/internal/core"

	_ "modernc.org/sqlite"
)

// createTestStore builds a store over an in-memory SQLite database with the
// schema created.
func createTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := newSQLiteStoreWithDB(db, DefaultTable)
	require.NoError(t, err)
	require.NoError(t, store.ValidateSchema(context.Background()))
	return store
}

func TestSQLiteStore_InsertSelectRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	contents := []any{
		map[string]any{"id": 1.0, "name": "policy-pipe", "status": "success"},
		map[string]any{"id": 2.0, "name": "second-pipe", "log": map[string]any{"input": "x"}},
	}

	records, err := store.Insert(ctx, "m1", contents)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NotEqual(t, records[0].UUID, records[1].UUID)
	assert.Equal(t, "m1", records[0].MessageID)

	got, err := store.SelectByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, contents, got)
}

func TestSQLiteStore_SelectOrdersByContentID(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	// Inserted out of order, with one entry carrying no id at all.
	_, err := store.Insert(ctx, "m1", []any{
		map[string]any{"id": 3.0, "name": "third"},
		map[string]any{"name": "no-id"},
		map[string]any{"id": 1.0, "name": "first"},
		map[string]any{"id": 2.0, "name": "second"},
	})
	require.NoError(t, err)

	got, err := store.SelectByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 4)

	names := make([]string, 0, 4)
	for _, c := range got {
		names = append(names, c.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"first", "second", "third", "no-id"}, names,
		"entries missing an id must sort last")
}

func TestSQLiteStore_MessageIDRepeats(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, "m1", []any{map[string]any{"turn": 1.0}})
	require.NoError(t, err)
	_, err = store.Insert(ctx, "m1", []any{map[string]any{"turn": 2.0}})
	require.NoError(t, err)

	got, err := store.SelectByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLiteStore_SelectUnknownMessageIsEmpty(t *testing.T) {
	store := createTestStore(t)

	got, err := store.SelectByMessageID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_DeleteIsIdempotent(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, "m1", []any{
		map[string]any{"id": 1.0},
		map[string]any{"id": 2.0},
	})
	require.NoError(t, err)

	deleted, err := store.DeleteByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = store.DeleteByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "second delete removes nothing")

	got, err := store.SelectByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_DuplicateUUIDIsConstraintError(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	records, err := store.Insert(ctx, "m1", []any{map[string]any{"id": 1.0}})
	require.NoError(t, err)

	// Re-insert the same uuid directly to provoke the constraint.
	_, err = store.db.ExecContext(ctx,
		"INSERT INTO "+store.table+" (uuid, message_id, content) VALUES (?, ?, ?)",
		records[0].UUID, "m1", "{}")
	require.Error(t, err)
	assert.True(t, isSQLiteConstraintErr(err))
}

func TestSQLiteStore_ValidateSchemaCreatesTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := newSQLiteStoreWithDB(db, "custom_audit")
	require.NoError(t, err)
	require.NoError(t, store.ValidateSchema(context.Background()))

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='custom_audit'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "custom_audit", name)
}

func TestSQLiteStore_ValidateSchemaRejectsBadTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tests := []struct {
		name string
		ddl  string
		want string
	}{
		{
			"missing column",
			"CREATE TABLE audit_log (uuid TEXT PRIMARY KEY, message_id TEXT NOT NULL, created_at DATETIME)",
			"missing expected column",
		},
		{
			"incompatible type",
			"CREATE TABLE audit_log (uuid TEXT PRIMARY KEY, message_id INTEGER, content TEXT, created_at DATETIME)",
			"incompatible type",
		},
		{
			"uuid not primary key",
			"CREATE TABLE audit_log (uuid TEXT, message_id TEXT, content TEXT, created_at DATETIME, PRIMARY KEY (message_id))",
			"must be the primary key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Exec("DROP TABLE IF EXISTS audit_log")
			require.NoError(t, err)
			_, err = db.Exec(tt.ddl)
			require.NoError(t, err)

			store, err := newSQLiteStoreWithDB(db, "audit_log")
			require.NoError(t, err)

			err = store.ValidateSchema(context.Background())
			require.Error(t, err)
			assert.True(t, core.IsType(err, core.ErrorTypeConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSQLiteStore_NonObjectContentRoundTrips(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, "m1", []any{
		[]any{map[string]any{"nested": true}},
		"plain string",
		42.0,
	})
	require.NoError(t, err)

	got, err := store.SelectByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Contains(t, got, "plain string")
	assert.Contains(t, got, 42.0)
}
