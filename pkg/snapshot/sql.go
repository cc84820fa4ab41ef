// Package snapshot persists pheromone trails so a restarted fabric can
// warm-start its routing preferences.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

// Dialect selects SQL placeholder style and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the dialect names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported snapshot dialect: %q", s)
	}
}

func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) floatType() string {
	if d == DialectPostgres {
		return "DOUBLE PRECISION"
	}
	return "REAL"
}

// SQLStore keeps the latest state of every trail in one table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn with the driver for dialect and migrates the schema.
// SQLite connections are limited to one so ":memory:" databases stay shared.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s snapshot db: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ft := s.dialect.floatType()
	query := `
	CREATE TABLE IF NOT EXISTS fabric_trails (
		path TEXT PRIMARY KEY,
		strength ` + ft + ` NOT NULL,
		strength_at TEXT NOT NULL,
		signals TEXT NOT NULL DEFAULT '{}',
		success_count BIGINT NOT NULL DEFAULT 0,
		failure_count BIGINT NOT NULL DEFAULT 0,
		avg_latency_ns BIGINT NOT NULL DEFAULT 0,
		latency_count BIGINT NOT NULL DEFAULT 0,
		current_load ` + ft + ` NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate snapshot schema: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertQuery() string {
	ph := make([]string, 11)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	return `INSERT INTO fabric_trails (
		path, strength, strength_at, signals, success_count, failure_count, avg_latency_ns, latency_count, current_load, created_at, updated_at
	) VALUES (` + strings.Join(ph, ", ") + `)
	ON CONFLICT (path) DO UPDATE SET
		strength = excluded.strength,
		strength_at = excluded.strength_at,
		signals = excluded.signals,
		success_count = excluded.success_count,
		failure_count = excluded.failure_count,
		avg_latency_ns = excluded.avg_latency_ns,
		latency_count = excluded.latency_count,
		current_load = excluded.current_load,
		updated_at = excluded.updated_at`
}

// Save upserts every trail in a single transaction.
func (s *SQLStore) Save(ctx context.Context, trails []routing.Trail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		return fmt.Errorf("prepare snapshot upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range trails {
		signals, err := json.Marshal(t.Signals)
		if err != nil {
			return fmt.Errorf("encode signals for %s: %w", t.Path, err)
		}
		_, err = stmt.ExecContext(ctx,
			t.Path, t.Strength, formatTime(t.StrengthAt), string(signals),
			int64(t.SuccessCount), int64(t.FailureCount), int64(t.AvgLatency), int64(t.LatencyCount),
			t.CurrentLoad, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("save trail %s: %w", t.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load returns every saved trail ordered by path.
func (s *SQLStore) Load(ctx context.Context) ([]routing.Trail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, strength, strength_at, signals, success_count, failure_count, avg_latency_ns, latency_count, current_load, created_at, updated_at
		FROM fabric_trails
		ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []routing.Trail
	for rows.Next() {
		var t routing.Trail
		var strengthAt, signals, created, upd string
		var success, failure, lat, lcn int64
		if err := rows.Scan(&t.Path, &t.Strength, &strengthAt, &signals, &success, &failure, &lat, &lcn, &t.CurrentLoad, &created, &upd); err != nil {
			return nil, fmt.Errorf("scan trail: %w", err)
		}
		if signals != "" && signals != "null" {
			if err := json.Unmarshal([]byte(signals), &t.Signals); err != nil {
				return nil, fmt.Errorf("decode signals for %s: %w", t.Path, err)
			}
		}
		t.StrengthAt = parseTime(strengthAt)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(upd)
		t.SuccessCount = uint64(success)
		t.FailureCount = uint64(failure)
		t.AvgLatency = time.Duration(lat)
		t.LatencyCount = uint64(lcn)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return out, nil
}

// Prune deletes saved trails that are not in keep.
func (s *SQLStore) Prune(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM fabric_trails`)
		if err != nil {
			return 0, fmt.Errorf("prune snapshot: %w", err)
		}
		return res.RowsAffected()
	}
	ph := make([]string, len(keep))
	args := make([]any, len(keep))
	for i, p := range keep {
		ph[i] = s.dialect.placeholder(i + 1)
		args[i] = p
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM fabric_trails WHERE path NOT IN (`+strings.Join(ph, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune snapshot: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
