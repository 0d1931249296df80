package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/metrics"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// sqliteStore implements Store for embedded SQLite deployments.
type sqliteStore struct {
	db    *sql.DB
	table string
}

// newSQLiteStore opens (creating if needed) a local SQLite audit database.
// WAL mode allows concurrent reads while writing; the busy timeout plus the
// bounded retry schedule in retry.go absorb writer contention.
func newSQLiteStore(path, table string) (*sqliteStore, error) {
	if path == "" {
		return nil, core.NewConfigError("audit store requires a database URI", nil)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return &sqliteStore{db: db, table: table}, nil
}

// newSQLiteStoreWithDB wraps an existing connection; used by tests with
// in-memory databases.
func newSQLiteStoreWithDB(db *sql.DB, table string) (*sqliteStore, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	return &sqliteStore{db: db, table: table}, nil
}

func (s *sqliteStore) Type() string { return TypeSQLite }

// ValidateSchema creates the table and index when absent, and otherwise
// checks that the required columns exist with compatible types and that
// uuid is the primary key.
func (s *sqliteStore) ValidateSchema(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", s.table).Scan(&name)
	if err == sql.ErrNoRows {
		return s.createSchema(ctx)
	}
	if err != nil {
		return fmt.Errorf("checking for table %s: %w", s.table, err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.table))
	if err != nil {
		return fmt.Errorf("reading schema of %s: %w", s.table, err)
	}
	defer rows.Close()

	cols := map[string]string{}
	pk := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pkPos     int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pkPos); err != nil {
			return fmt.Errorf("scanning schema of %s: %w", s.table, err)
		}
		cols[colName] = colType
		if pkPos > 0 {
			pk[colName] = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return checkColumns(s.table, cols, pk)
}

func (s *sqliteStore) createSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			uuid TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_message_id ON %s(message_id)", s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create message_id index on %s: %w", s.table, err)
	}
	return nil
}

// checkColumns verifies the audit schema shared by the SQL backends.
func checkColumns(table string, cols map[string]string, pk map[string]bool) error {
	okType := func(col, typ string) bool {
		t := strings.ToUpper(typ)
		switch col {
		case "uuid":
			return strings.Contains(t, "CHAR") || strings.Contains(t, "TEXT") || strings.Contains(t, "UUID")
		case "message_id":
			return strings.Contains(t, "CHAR") || strings.Contains(t, "TEXT")
		case "content":
			return strings.Contains(t, "JSON") || strings.Contains(t, "TEXT")
		case "created_at":
			return strings.Contains(t, "TIMESTAMP") || strings.Contains(t, "DATETIME") || strings.Contains(t, "DATE")
		}
		return false
	}

	for _, col := range []string{"uuid", "message_id", "content", "created_at"} {
		typ, present := cols[col]
		if !present {
			return core.NewConfigError(fmt.Sprintf("table %q is missing expected column %q", table, col), nil)
		}
		if !okType(col, typ) {
			return core.NewConfigError(fmt.Sprintf("column %q on %q has incompatible type %q", col, table, typ), nil)
		}
	}
	if !pk["uuid"] {
		return core.NewConfigError(fmt.Sprintf("column \"uuid\" on %q must be the primary key (message_id can repeat)", table), nil)
	}
	return nil
}

// isSQLiteLockErr reports "database is locked" style contention.
func isSQLiteLockErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

// isSQLiteConstraintErr reports a uniqueness violation.
func isSQLiteConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// Insert writes one row per content element inside a single transaction.
// Each row insert independently retries the bounded lock schedule, so one
// contended row does not burn the whole budget for the others.
func (s *sqliteStore) Insert(ctx context.Context, messageID string, contents []any) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning audit insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(
		"INSERT INTO %s (uuid, message_id, content, created_at) VALUES (?, ?, ?, ?)", s.table)

	records := make([]Record, 0, len(contents))
	for _, content := range contents {
		contentJSON, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit content: %w", err)
		}

		rec := Record{
			UUID:      uuid.NewString(),
			MessageID: messageID,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}

		err = withLockRetry(ctx, isSQLiteLockErr, func() error {
			_, err := tx.ExecContext(ctx, query,
				rec.UUID, rec.MessageID, string(contentJSON), rec.CreatedAt.Format(time.RFC3339Nano))
			return err
		})
		if err != nil {
			if isSQLiteConstraintErr(err) {
				return nil, core.NewIntegrityError("duplicate audit record uuid", err)
			}
			return nil, fmt.Errorf("inserting audit record: %w", err)
		}
		records = append(records, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing audit insert: %w", err)
	}

	metrics.AuditRecordsWritten.WithLabelValues(TypeSQLite).Add(float64(len(records)))
	return records, nil
}

// SelectByMessageID returns content values ordered by content.id with
// null-id entries last.
func (s *sqliteStore) SelectByMessageID(ctx context.Context, messageID string) ([]any, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE message_id = ?", s.table)
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("selecting audit records: %w", err)
	}
	defer rows.Close()

	contents := make([]any, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		var content any
		if err := json.Unmarshal([]byte(raw), &content); err != nil {
			content = map[string]any{"raw": raw}
		}
		contents = append(contents, content)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortContents(contents)
	return contents, nil
}

// DeleteByMessageID removes all rows for the message.
func (s *sqliteStore) DeleteByMessageID(ctx context.Context, messageID string) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE message_id = ?", s.table)

	var deleted int64
	err := withLockRetry(ctx, isSQLiteLockErr, func() error {
		res, err := s.db.ExecContext(ctx, query, messageID)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	return deleted, nil
}

func (s *sqliteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
