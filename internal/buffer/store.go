// Package buffer is the crash-durable local event store shared by the
// pipeline daemon and the companion session agent. Both processes open the
// same SQLite file; cross-process safety rests on WAL journaling, the
// driver's busy timeout, and a bounded application-level retry on lock
// contention. Lock errors never escape this package as anything other than
// a plain failed call after the retry budget is spent.
package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
)

const (
	// Schema ledger. v1 is the original on-disk layout; later versions are
	// strictly additive (new nullable columns only) so old stores upgrade
	// in place.
	schemaVersionV1  = 1
	schemaChecksumV1 = "am-v1-events-base"

	// v2 adds the tri-state work_flag and the metadata_json blob.
	schemaVersionV2  = 2
	schemaChecksumV2 = "am-v2-classification"

	// v3 adds the permanent-failure marker and the claim timestamp used by
	// stale-claim recovery.
	schemaVersionV3  = 3
	schemaChecksumV3 = "am-v3-permanent-claims"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	defaultCapacity            = 10000
	defaultHeadroom            = 500
	defaultEnforcementInterval = time.Minute
	defaultStaleness           = 5 * time.Minute

	busyRetries = 5
)

// Options configures a Store. Zero values fall back to package defaults.
type Options struct {
	// Bus receives buffer.* events; may be nil (tests, session agent).
	Bus *bus.Bus

	// Capacity is the hard ceiling on rows in PENDING, FAILED or
	// PROCESSING; Headroom is how far below it an eviction pass drains.
	Capacity int
	Headroom int

	// EnforcementInterval gates the capacity sweep triggered by Add.
	EnforcementInterval time.Duration

	// Staleness is how long a PROCESSING claim survives before GetPending
	// requeues it.
	Staleness time.Duration
}

// Store wraps the shared SQLite event store.
type Store struct {
	db  *sql.DB
	bus *bus.Bus

	capacity     int
	headroom     int
	enforceEvery time.Duration
	staleness    time.Duration

	enforceMu   sync.Mutex
	lastEnforce time.Time
}

// DefaultPath returns the store location used when none is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".adherenced", "buffer.db")
}

// Open opens (creating if necessary) the event store at path and brings the
// schema up to date. Initialization failure is fatal to the caller: the
// pipeline cannot provide durability without the store.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:           db,
		bus:          opts.Bus,
		capacity:     opts.Capacity,
		headroom:     opts.Headroom,
		enforceEvery: opts.EnforcementInterval,
		staleness:    opts.Staleness,
	}
	if store.capacity <= 0 {
		store.capacity = defaultCapacity
	}
	if store.headroom <= 0 || store.headroom >= store.capacity {
		store.headroom = min(defaultHeadroom, store.capacity/10+1)
	}
	if store.enforceEvery <= 0 {
		store.enforceEvery = defaultEnforcementInterval
	}
	if store.staleness <= 0 {
		store.staleness = defaultStaleness
	}

	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's own
// busy_timeout. The bound matters: the daemon and the session agent write
// the same file, and an uploader transaction can hold the lock for the
// length of a claim.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("store schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion >= schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	if maxVersion < schemaVersionV1 {
		if err := applyV1(ctx, tx); err != nil {
			return err
		}
	}
	if maxVersion < schemaVersionV2 {
		if err := applyV2(ctx, tx); err != nil {
			return err
		}
	}
	if maxVersion < schemaVersionV3 {
		if err := applyV3(ctx, tx); err != nil {
			return err
		}
	}

	// Belt and braces for stores that predate the ledger: detect missing
	// additive columns directly and backfill them with safe defaults.
	if err := backfillColumnsTx(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			event_timestamp DATETIME NOT NULL,
			subject_identity TEXT NOT NULL,
			application_name TEXT,
			application_path TEXT,
			window_title TEXT,
			status TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			sent_at DATETIME,
			error_message TEXT
		);
	`); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	`); err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`); err != nil {
		return fmt.Errorf("create created index: %w", err)
	}
	return recordMigration(ctx, tx, schemaVersionV1, schemaChecksumV1)
}

func applyV2(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		`ALTER TABLE events ADD COLUMN work_flag INTEGER;`,
		`ALTER TABLE events ADD COLUMN metadata_json TEXT;`,
	} {
		if err := addColumnIfMissing(ctx, tx, stmt); err != nil {
			return err
		}
	}
	return recordMigration(ctx, tx, schemaVersionV2, schemaChecksumV2)
}

func applyV3(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		`ALTER TABLE events ADD COLUMN permanent INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE events ADD COLUMN claimed_at DATETIME;`,
	} {
		if err := addColumnIfMissing(ctx, tx, stmt); err != nil {
			return err
		}
	}
	return recordMigration(ctx, tx, schemaVersionV3, schemaChecksumV3)
}

func recordMigration(ctx context.Context, tx *sql.Tx, version int, checksum string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, version, checksum); err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	return nil
}

// addColumnIfMissing runs an ALTER TABLE ... ADD COLUMN, tolerating the
// duplicate-column error a re-run produces.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, stmt string) error {
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return fmt.Errorf("additive migration %q: %w", stmt, err)
	}
	return nil
}

// backfillColumnsTx detects additive columns missing from the live table and
// adds them with safe defaults. This covers stores written by builds that
// predate the migration ledger.
func backfillColumnsTx(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `PRAGMA table_info(events);`)
	if err != nil {
		return fmt.Errorf("read table info: %w", err)
	}
	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scan table info: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("table info rows: %w", err)
	}
	rows.Close()

	wanted := map[string]string{
		"work_flag":     `ALTER TABLE events ADD COLUMN work_flag INTEGER;`,
		"metadata_json": `ALTER TABLE events ADD COLUMN metadata_json TEXT;`,
		"permanent":     `ALTER TABLE events ADD COLUMN permanent INTEGER NOT NULL DEFAULT 0;`,
		"claimed_at":    `ALTER TABLE events ADD COLUMN claimed_at DATETIME;`,
	}
	for name, stmt := range wanted {
		if present[name] {
			continue
		}
		if err := addColumnIfMissing(ctx, tx, stmt); err != nil {
			return fmt.Errorf("backfill column %s: %w", name, err)
		}
	}
	return nil
}
