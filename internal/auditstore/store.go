// Package auditstore persists pipe/module audit records keyed by
// (uuid, message_id). Rows sharing a message_id form one logical
// conversation-turn audit trail; readback orders them by the "id" field
// inside the content, entries without an id sorting last.
//
// Three backends are supported, selected by the connection URI: an embedded
// SQLite file (WAL mode, busy timeout, bounded lock-retry schedule),
// PostgreSQL (pooled via pgx), and MongoDB.
package auditstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Backend name constants.
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

// DefaultTable is the audit table/collection name when none is configured.
const DefaultTable = "audit_log"

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds audit store configuration.
type Config struct {
	// URI is the connection string. Bare paths are interpreted as local
	// SQLite database files.
	URI string

	// Table is the table (or collection) holding audit rows.
	Table string

	// Database is the database name for MongoDB deployments.
	Database string

	// MaxConns is the PostgreSQL connection pool size (default: 10).
	MaxConns int
}

// Record is one persisted audit row.
type Record struct {
	UUID      string    `json:"uuid"`
	MessageID string    `json:"message_id"`
	Content   any       `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the audit record sink. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert persists one row per content element, each under a freshly
	// generated uuid. The SQL backends commit all rows for a call in one
	// transaction; the MongoDB backend uses an ordered insert without a
	// transaction, so documents written before a failing one are kept.
	Insert(ctx context.Context, messageID string, contents []any) ([]Record, error)

	// SelectByMessageID returns the content values for a message, ordered
	// by content.id ascending with null-id entries last.
	SelectByMessageID(ctx context.Context, messageID string) ([]any, error)

	// DeleteByMessageID removes all rows for a message and returns the count.
	DeleteByMessageID(ctx context.Context, messageID string) (int64, error)

	// ValidateSchema checks at startup that the configured table exists
	// with compatible column types and uuid as the primary key, creating
	// it when absent.
	ValidateSchema(ctx context.Context) error

	// Type returns the backend name.
	Type() string

	// Close releases the underlying connections.
	Close() error
}

// New dispatches on the connection URI and returns a connected Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if err := validateTableName(cfg.Table); err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(cfg.URI, "postgres://"), strings.HasPrefix(cfg.URI, "postgresql://"):
		return newPostgreSQLStore(ctx, cfg)
	case strings.HasPrefix(cfg.URI, "mongodb://"), strings.HasPrefix(cfg.URI, "mongodb+srv://"):
		return newMongoDBStore(ctx, cfg)
	default:
		// Bare paths (and sqlite:// URIs) are local SQLite files.
		return newSQLiteStore(strings.TrimPrefix(cfg.URI, "sqlite://"), cfg.Table)
	}
}

func validateTableName(name string) error {
	if !tableNameRegex.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match %s", name, tableNameRegex.String())
	}
	return nil
}

// sortContents orders content values by their "id" field ascending, entries
// without a numeric id last. The sort is stable so same-id entries keep
// their row order.
func sortContents(contents []any) {
	sort.SliceStable(contents, func(i, j int) bool {
		iv, iok := contentID(contents[i])
		jv, jok := contentID(contents[j])
		if iok != jok {
			return iok
		}
		if !iok {
			return false
		}
		return iv < jv
	})
}

// contentID extracts a numeric "id" from a decoded content value.
func contentID(content any) (float64, bool) {
	m, ok := content.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m["id"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
