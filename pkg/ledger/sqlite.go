package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fitpull/fitpull/pkg/planner"
)

// Store wraps a SQLite database holding the progress ledger, quota ledger,
// error log, and fetched payloads.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database in dataDir and applies the
// schema. Pass ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "fitpull.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" errors; the orchestrator
	// is the sole writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS progress (
			resource TEXT NOT NULL,
			range_start TEXT NOT NULL,
			range_end TEXT NOT NULL,
			outcome TEXT NOT NULL,
			completed_at DATETIME NOT NULL,
			PRIMARY KEY (resource, range_start, range_end)
		)`,
		`CREATE TABLE IF NOT EXISTS quota_windows (
			window_start INTEGER PRIMARY KEY,
			request_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			range_start TEXT NOT NULL,
			range_end TEXT NOT NULL,
			class TEXT NOT NULL,
			message TEXT NOT NULL,
			terminal INTEGER NOT NULL DEFAULT 0,
			occurred_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_errors_unit
			ON fetch_errors(resource, range_start, range_end)`,
		`CREATE TABLE IF NOT EXISTS payloads (
			resource TEXT NOT NULL,
			range_start TEXT NOT NULL,
			range_end TEXT NOT NULL,
			body BLOB NOT NULL,
			fetched_at DATETIME NOT NULL,
			PRIMARY KEY (resource, range_start, range_end)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// IsDone reports whether the unit has a progress record.
func (s *Store) IsDone(u planner.Unit) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM progress WHERE resource = ? AND range_start = ? AND range_end = ?",
		u.Resource, u.StartKey(), u.EndKey(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying progress for %s: %w", u, err)
	}
	return n > 0, nil
}

// MarkDone records the unit as permanently completed. Marking an already-done
// unit is a no-op; the first outcome written wins.
func (s *Store) MarkDone(u planner.Unit, outcome string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO progress (resource, range_start, range_end, outcome, completed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.Resource, u.StartKey(), u.EndKey(), outcome, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking %s done: %w", u, err)
	}
	return nil
}

// CommitUnit writes the unit's payload and its progress record in a single
// transaction, so a crash can never leave a unit marked done without its
// data. The payload write is an upsert: repeating it for the same unit after
// a crash between payload and progress is safe.
func (s *Store) CommitUnit(u planner.Unit, body []byte, outcome string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning commit for %s: %w", u, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO payloads (resource, range_start, range_end, body, fetched_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.Resource, u.StartKey(), u.EndKey(), body, at.UTC(),
	); err != nil {
		return fmt.Errorf("writing payload for %s: %w", u, err)
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO progress (resource, range_start, range_end, outcome, completed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.Resource, u.StartKey(), u.EndKey(), outcome, at.UTC(),
	); err != nil {
		return fmt.Errorf("marking %s done: %w", u, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", u, err)
	}
	return nil
}

// Payload returns the stored body for a unit, or ErrNotFound.
func (s *Store) Payload(u planner.Unit) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(
		"SELECT body FROM payloads WHERE resource = ? AND range_start = ? AND range_end = ?",
		u.Resource, u.StartKey(), u.EndKey(),
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload for %s: %w", u, err)
	}
	return body, nil
}

// ConsumeInWindow performs the quota ledger's single logical update: create
// the window row if absent, and increment its count only while it is below
// limit. The check and increment run in one transaction so the persisted
// count can never exceed the limit, even with a second process racing.
func (s *Store) ConsumeInWindow(windowStart int64, limit int, at time.Time) (granted bool, count int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, 0, fmt.Errorf("beginning quota consume: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO quota_windows (window_start, request_count, updated_at) VALUES (?, 0, ?)",
		windowStart, at.UTC(),
	); err != nil {
		return false, 0, fmt.Errorf("creating quota window: %w", err)
	}

	if err := tx.QueryRow(
		"SELECT request_count FROM quota_windows WHERE window_start = ?", windowStart,
	).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("reading quota window: %w", err)
	}

	if count >= limit {
		return false, count, tx.Commit()
	}

	if _, err := tx.Exec(
		"UPDATE quota_windows SET request_count = request_count + 1, updated_at = ? WHERE window_start = ?",
		at.UTC(), windowStart,
	); err != nil {
		return false, count, fmt.Errorf("incrementing quota window: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, count, fmt.Errorf("committing quota consume: %w", err)
	}
	return true, count + 1, nil
}

// WindowCount returns the persisted request count for a window, zero if the
// window has no row yet.
func (s *Store) WindowCount(windowStart int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT request_count FROM quota_windows WHERE window_start = ?", windowStart,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading quota window: %w", err)
	}
	return n, nil
}

// LogError appends a failed-attempt record. The error log is additive only.
func (s *Store) LogError(rec ErrorRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO fetch_errors (run_id, resource, range_start, range_end, class, message, terminal, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Resource, rec.RangeStart, rec.RangeEnd, rec.Class, rec.Message, rec.Terminal, rec.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("logging error for %s: %w", rec.Resource, err)
	}
	return nil
}

// ErrorCount returns the number of error records for a unit.
func (s *Store) ErrorCount(u planner.Unit) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM fetch_errors WHERE resource = ? AND range_start = ? AND range_end = ?",
		u.Resource, u.StartKey(), u.EndKey(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting errors for %s: %w", u, err)
	}
	return n, nil
}

// Totals reports completed and terminally-failed unit counts for the status
// surface. A unit that failed in an earlier run but has since been committed
// counts as done only; its stale terminal errors stay in the log for audit
// but no longer count it as failed.
func (s *Store) Totals() (Totals, error) {
	var t Totals
	if err := s.db.QueryRow("SELECT COUNT(*) FROM progress").Scan(&t.Done); err != nil {
		return t, fmt.Errorf("counting progress: %w", err)
	}
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT e.resource || ':' || e.range_start || ':' || e.range_end)
		 FROM fetch_errors e
		 WHERE e.terminal = 1
		   AND NOT EXISTS (
		     SELECT 1 FROM progress p
		     WHERE p.resource = e.resource
		       AND p.range_start = e.range_start
		       AND p.range_end = e.range_end
		   )`,
	).Scan(&t.Failed)
	if err != nil {
		return t, fmt.Errorf("counting failed units: %w", err)
	}
	return t, nil
}
