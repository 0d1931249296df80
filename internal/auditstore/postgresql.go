package auditstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/securag/policygate/internal/core"
	"github.com/securag/policygate/internal/metrics"
)

// postgresStore implements Store for PostgreSQL using a pgx pool.
type postgresStore struct {
	pool  *pgxpool.Pool
	table string
}

func newPostgreSQLStore(ctx context.Context, cfg Config) (*postgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	} else {
		poolCfg.MaxConns = 10 // default
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &postgresStore{pool: pool, table: cfg.Table}, nil
}

func (s *postgresStore) Type() string { return TypePostgreSQL }

// ValidateSchema creates the table and index when absent, and otherwise
// checks columns and the uuid primary key via information_schema.
func (s *postgresStore) ValidateSchema(ctx context.Context) error {
	var exists *string
	if err := s.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", s.table).Scan(&exists); err != nil {
		return fmt.Errorf("checking for table %s: %w", s.table, err)
	}
	if exists == nil {
		return s.createSchema(ctx)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1", s.table)
	if err != nil {
		return fmt.Errorf("reading schema of %s: %w", s.table, err)
	}
	defer rows.Close()

	cols := map[string]string{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return fmt.Errorf("scanning schema of %s: %w", s.table, err)
		}
		cols[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	pkRows, err := s.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_name = kcu.table_name
		WHERE tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
	`, s.table)
	if err != nil {
		return fmt.Errorf("reading primary key of %s: %w", s.table, err)
	}
	defer pkRows.Close()

	pk := map[string]bool{}
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return fmt.Errorf("scanning primary key of %s: %w", s.table, err)
		}
		pk[name] = true
	}
	if err := pkRows.Err(); err != nil {
		return err
	}

	return checkColumns(s.table, cols, pk)
}

func (s *postgresStore) createSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			uuid VARCHAR(36) PRIMARY KEY,
			message_id TEXT NOT NULL,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_message_id ON %s(message_id)", s.table, s.table)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("failed to create message_id index on %s: %w", s.table, err)
	}
	return nil
}

// Insert writes one row per content element inside a single transaction.
func (s *postgresStore) Insert(ctx context.Context, messageID string, contents []any) ([]Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning audit insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(
		"INSERT INTO %s (uuid, message_id, content, created_at) VALUES ($1, $2, $3, $4)", s.table)

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

		if _, err := tx.Exec(ctx, query, rec.UUID, rec.MessageID, contentJSON, rec.CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return nil, core.NewIntegrityError("duplicate audit record uuid", err)
			}
			return nil, fmt.Errorf("inserting audit record: %w", err)
		}
		records = append(records, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing audit insert: %w", err)
	}

	metrics.AuditRecordsWritten.WithLabelValues(TypePostgreSQL).Add(float64(len(records)))
	return records, nil
}

// SelectByMessageID returns content values ordered by content.id with
// null-id entries last.
func (s *postgresStore) SelectByMessageID(ctx context.Context, messageID string) ([]any, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE message_id = $1", s.table)
	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("selecting audit records: %w", err)
	}
	defer rows.Close()

	contents := make([]any, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		var content any
		if err := json.Unmarshal(raw, &content); err != nil {
			content = map[string]any{"raw": string(raw)}
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
func (s *postgresStore) DeleteByMessageID(ctx context.Context, messageID string) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE message_id = $1", s.table)
	res, err := s.pool.Exec(ctx, query, messageID)
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	return res.RowsAffected(), nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
