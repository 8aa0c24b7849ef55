// Package analytics keeps a local history of publish runs in sqlite
// and aggregates it into per-registry statistics.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"packship/internal/publisher"
)

// DefaultPath returns the history database location for a project.
func DefaultPath(projectPath string) string {
	return filepath.Join(projectPath, ".packship", "history.db")
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS publish_records (
	id          TEXT PRIMARY KEY,
	registry    TEXT NOT NULL,
	package     TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	state       TEXT NOT NULL,
	code        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	warnings    INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_publish_records_registry ON publish_records(registry);
CREATE INDEX IF NOT EXISTS idx_publish_records_created ON publish_records(created_at);
`

// timeLayout is fixed-width so lexicographic ordering in sqlite
// matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the sqlite-backed history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// migrate is idempotent; the schema only ever grows.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaV1); err != nil {
		return fmt.Errorf("migrate history db: %w", err)
	}
	return nil
}

// Close the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Record stores the outcome of one publish run. It satisfies
// publisher.Recorder.
func (s *Store) Record(ctx context.Context, r *publisher.Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_records
		(id, registry, package, version, success, state, code, error, warnings, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		r.Registry,
		r.PackageName,
		r.Version,
		boolInt(r.Success),
		string(r.State),
		string(r.Code),
		strings.Join(r.Errors, "; "),
		len(r.Warnings),
		r.Duration.Milliseconds(),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record publish: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Record is one stored publish outcome.
type Record struct {
	ID        string
	Registry  string
	Package   string
	Version   string
	Success   bool
	State     string
	Code      string
	Error     string
	Warnings  int
	Duration  time.Duration
	CreatedAt time.Time
}

// Filter narrows List and Stats queries. Zero values match everything.
type Filter struct {
	Registry string
	Since    time.Time
	Limit    int
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT id, registry, package, version, success, state, code, error, warnings, duration_ms, created_at
		FROM publish_records WHERE 1=1`
	var args []any
	if f.Registry != "" {
		query += " AND registry = ?"
		args = append(args, f.Registry)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list publish records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			success    int
			durationMS int64
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &r.Registry, &r.Package, &r.Version, &success,
			&r.State, &r.Code, &r.Error, &r.Warnings, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan publish record: %w", err)
		}
		r.Success = success == 1
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RegistryStats aggregates one registry's history.
type RegistryStats struct {
	Registry    string
	Total       int
	Succeeded   int
	Failed      int
	AvgDuration time.Duration
	LastPublish time.Time
	LastVersion string
}

// SuccessRate in [0, 1].
func (s RegistryStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// Stats aggregates history per registry, alphabetically.
func (s *Store) Stats(ctx context.Context, f Filter) ([]RegistryStats, error) {
	query := `SELECT registry,
			COUNT(*),
			SUM(success),
			AVG(duration_ms),
			MAX(created_at)
		FROM publish_records WHERE 1=1`
	var args []any
	if f.Registry != "" {
		query += " AND registry = ?"
		args = append(args, f.Registry)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += " GROUP BY registry ORDER BY registry"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate publish stats: %w", err)
	}
	defer rows.Close()

	var out []RegistryStats
	for rows.Next() {
		var (
			st    RegistryStats
			avgMS sql.NullFloat64
			last  string
		)
		if err := rows.Scan(&st.Registry, &st.Total, &st.Succeeded, &avgMS, &last); err != nil {
			return nil, fmt.Errorf("scan publish stats: %w", err)
		}
		st.Failed = st.Total - st.Succeeded
		if avgMS.Valid {
			st.AvgDuration = time.Duration(avgMS.Float64) * time.Millisecond
		}
		st.LastPublish, _ = time.Parse(timeLayout, last)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The latest successful version needs a second pass; sqlite has no
	// portable argmax.
	for i := range out {
		var version string
		err := s.db.QueryRowContext(ctx, `
			SELECT version FROM publish_records
			WHERE registry = ? AND success = 1
			ORDER BY created_at DESC LIMIT 1`, out[i].Registry).Scan(&version)
		if err == nil {
			out[i].LastVersion = version
		}
	}
	return out, nil
}
