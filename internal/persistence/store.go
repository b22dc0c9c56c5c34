package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/clawgov/internal/audit"
	"github.com/basket/clawgov/internal/bus"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// v1: governance tasks, approvals, activity chain, dispatch ledger.
	schemaVersionV1  = 1
	schemaChecksumV1 = "cg-v1-2026-09-02-governance-core"

	// v2: capabilities, ext_calls, products.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cg-v2-2026-09-20-access-broker"

	// v3: audit_log gains caller and request_id.
	schemaVersionV3  = 3
	schemaChecksumV3 = "cg-v3-2026-10-12-audit-caller"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	busyRetries = 5
)

// SentinelTaskID is the reserved task that capability grant/revoke/expiry
// events are logged against.
const SentinelTaskID = "__ext_access__"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrWrongState        = errors.New("task in wrong state")
	ErrDuplicate         = errors.New("duplicate")
	// ErrGateApprovalMissing blocks completing a gated task without its gate approval.
	ErrGateApprovalMissing = errors.New("gate approval missing")
	ErrNotFound            = errors.New("not found")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawgov", "clawgov.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Transactions take the write lock at BEGIN; other processes sharing
	// the file queue on busy_timeout.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: time.Now}
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

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for stored timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
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

// isSQLiteBusy reports SQLITE_BUSY / SQLITE_LOCKED.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
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

// withTx runs fn in a transaction, retrying the whole unit on BUSY.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
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
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
		schemaVersionV3: schemaChecksumV3,
	}
	if maxVersion > 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			risk_level TEXT NOT NULL DEFAULT 'normal',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS gov_tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL,
			state TEXT NOT NULL CHECK(state IN ('INBOX','READY','DOING','REVIEW','APPROVAL','DONE')),
			priority TEXT NOT NULL DEFAULT 'P2',
			scope TEXT NOT NULL CHECK(scope IN ('COMPANY','PRODUCT')),
			product_id TEXT REFERENCES products(id),
			assigned_group TEXT,
			gate TEXT NOT NULL DEFAULT 'none',
			dod_required INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK((scope = 'PRODUCT') = (product_id IS NOT NULL))
		);`,
		`CREATE TABLE IF NOT EXISTS gov_approvals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES gov_tasks(id),
			gate_type TEXT NOT NULL,
			approved_by TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			approved_at DATETIME NOT NULL,
			UNIQUE(task_id, gate_type, approved_by)
		);`,
		`CREATE TABLE IF NOT EXISTS gov_activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES gov_tasks(id),
			action TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '-',
			created_at TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			row_hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gov_dispatches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES gov_tasks(id),
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			dispatch_key TEXT NOT NULL UNIQUE,
			group_folder TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('claimed','dispatched')),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_folder TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_level INTEGER NOT NULL CHECK(access_level BETWEEN 0 AND 3),
			allowed_actions TEXT,
			denied_actions TEXT,
			requires_task_gate TEXT,
			product_id TEXT REFERENCES products(id),
			granted_by TEXT NOT NULL,
			granted_at DATETIME NOT NULL,
			expires_at DATETIME,
			active INTEGER NOT NULL DEFAULT 1,
			UNIQUE(group_folder, provider),
			CHECK(access_level < 2 OR expires_at IS NOT NULL)
		);`,
		`CREATE TABLE IF NOT EXISTS ext_calls (
			request_id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			provider TEXT NOT NULL,
			action TEXT NOT NULL,
			access_level INTEGER NOT NULL DEFAULT 0,
			params_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('processing','executed','failed','denied')),
			denial_reason TEXT,
			response TEXT,
			task_id TEXT,
			idempotency_key TEXT,
			product_id TEXT,
			scope TEXT,
			duration_ms INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			caller TEXT,
			request_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	if maxVersion > 0 && maxVersion < schemaVersionV3 {
		for _, col := range []string{"caller", "request_id"} {
			if err := addColumnIfMissing(ctx, tx, "audit_log", col, "TEXT"); err != nil {
				return err
			}
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_gov_tasks_state ON gov_tasks(state, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_gov_tasks_group ON gov_tasks(assigned_group, state);`,
		`CREATE INDEX IF NOT EXISTS idx_gov_activities_task ON gov_activities(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_gov_approvals_task ON gov_approvals(task_id, gate_type);`,
		`CREATE INDEX IF NOT EXISTS idx_gov_dispatches_task ON gov_dispatches(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_ext_calls_inflight ON ext_calls(group_folder, status);`,
		`CREATE INDEX IF NOT EXISTS idx_ext_calls_idem ON ext_calls(group_folder, provider, action, idempotency_key, status);`,
		`CREATE INDEX IF NOT EXISTS idx_capabilities_expiry ON capabilities(active, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_decision ON audit_log(decision, audit_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO gov_tasks (id, title, description, task_type, state, priority, scope, gate, version, created_by, created_at, updated_at)
		VALUES (?, 'External access governance', 'Capability grant, revoke and expiry events.', 'ops', 'INBOX', 'P3', 'COMPANY', 'none', 0, 'system', ?, ?);
	`, SentinelTaskID, now, now); err != nil {
		return fmt.Errorf("seed sentinel task: %w", err)
	}

	for v := maxVersion + 1; v <= schemaVersionLatest; v++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, v, versionChecksums[v]); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionAllow,
		Action:   "data.migration",
		Reason:   "migration_applied",
		Subject:  fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest),
	})
	return nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT name FROM pragma_table_info('%s');`, table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Backup writes a consistent snapshot of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// RunRetention prunes audit_log rows older than auditLogDays. Activity,
// approvals and the call ledger are never pruned.
func (s *Store) RunRetention(ctx context.Context, auditLogDays int) (int64, error) {
	if auditLogDays <= 0 {
		return 0, nil
	}
	cutoff := s.timestamp().AddDate(0, 0, -auditLogDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
