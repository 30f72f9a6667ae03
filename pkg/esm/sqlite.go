package esm

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	Run             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

// SQLiteStore keeps the enforced state in a SQLite database. The lock
// is a single claimed row so concurrent processes contend through the
// database rather than the filesystem.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
	log zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Run == "" {
		return nil, fmt.Errorf("run name is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg, log: cfg.Logger}, nil
}

// Init opens the database, enables WAL mode, and verifies the
// connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Enter claims the lock row. An existing claim from a live process
// blocks; a dead holder's row is taken over.
func (s *SQLiteStore) Enter(ctx context.Context) (Handle, error) {
	pid := os.Getpid()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO esm_lock (id, pid, run_name, acquired_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		pid, s.cfg.Run, now)
	if err != nil {
		return nil, state.NewGatherError("failed to claim the enforced state lock", err).WithRun(s.cfg.Run)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, state.NewGatherError("failed to claim the enforced state lock", err).WithRun(s.cfg.Run)
	}
	if rows == 1 {
		return pid, nil
	}

	var oldPid int
	var oldRun string
	err = s.db.QueryRowContext(ctx, `SELECT pid, run_name FROM esm_lock WHERE id = 1`).
		Scan(&oldPid, &oldRun)
	if err != nil {
		return nil, state.NewGatherError("failed to read the enforced state lock", err).WithRun(s.cfg.Run)
	}
	if processAlive(oldPid) {
		return nil, state.NewGatherError(fmt.Sprintf(
			"run '%s' is already active in process %d", oldRun, oldPid), nil).
			WithCode(state.ErrCodeESMLocked).WithRun(s.cfg.Run)
	}

	// The recorded holder is dead. Take the row over, guarding against
	// a concurrent claimant with the old pid in the predicate.
	res, err = s.db.ExecContext(ctx,
		`UPDATE esm_lock SET pid = ?, run_name = ?, acquired_at = ? WHERE id = 1 AND pid = ?`,
		pid, s.cfg.Run, now, oldPid)
	if err != nil {
		return nil, state.NewGatherError("failed to take over the enforced state lock", err).WithRun(s.cfg.Run)
	}
	if rows, err = res.RowsAffected(); err != nil || rows == 0 {
		return nil, state.NewGatherError(fmt.Sprintf(
			"run '%s' is already active in another process", s.cfg.Run), err).
			WithCode(state.ErrCodeESMLocked).WithRun(s.cfg.Run)
	}
	s.log.Debug().Int("stale_pid", oldPid).Str("run", s.cfg.Run).
		Msg("reaped a stale enforced state lock")
	return pid, nil
}

// Exit releases the lock row on a clean run. A failed run leaves the
// claim so the next Enter sees the stale holder.
func (s *SQLiteStore) Exit(ctx context.Context, h Handle, runErr error) error {
	if runErr != nil {
		s.log.Error().Err(runErr).Str("run", s.cfg.Run).
			Msg("leaving the enforced state lock after a failed run")
		return nil
	}
	pid, _ := h.(int)
	_, err := s.db.ExecContext(ctx, `DELETE FROM esm_lock WHERE id = 1 AND pid = ?`, pid)
	if err != nil {
		return fmt.Errorf("failed to release the enforced state lock: %w", err)
	}
	return nil
}

// Unlock deletes the lock row unconditionally, live holder or not.
func (s *SQLiteStore) Unlock(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM esm_lock WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear the enforced state lock: %w", err)
	}
	return nil
}

// GetState loads the full cache: every enforced state row plus the
// metadata rows reassembled under the metadata key.
func (s *SQLiteStore) GetState(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}

	meta := map[string]any{}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM esm_metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to load enforced state metadata: %w", err)
	}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan enforced state metadata: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("corrupt enforced state metadata under %q: %w", key, err)
		}
		meta[key] = value
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating enforced state metadata: %w", err)
	}
	rows.Close()
	if len(meta) > 0 {
		out[MetadataKey] = meta
	}

	rows, err = s.db.QueryContext(ctx, `SELECT tag, data FROM enforced_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to load enforced state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag, raw string
		if err := rows.Scan(&tag, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan enforced state: %w", err)
		}
		var st map[string]any
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("corrupt enforced state under %q: %w", tag, err)
		}
		out[tag] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enforced state: %w", err)
	}
	return out, nil
}

// SetState replaces the cache in one transaction: metadata rows are
// rewritten, tags are upserted, and rows for removed tags are pruned.
func (s *SQLiteStore) SetState(ctx context.Context, st map[string]any) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM esm_metadata`); err != nil {
		return fmt.Errorf("failed to clear enforced state metadata: %w", err)
	}
	if meta, ok := st[MetadataKey].(map[string]any); ok {
		for key, value := range meta {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode enforced state metadata %q: %w", key, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO esm_metadata (key, value) VALUES (?, ?)`, key, string(raw)); err != nil {
				return fmt.Errorf("failed to write enforced state metadata %q: %w", key, err)
			}
		}
	}

	now := time.Now().UTC()
	tags := make([]string, 0, len(st))
	for tag, value := range st {
		if tag == MetadataKey {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode enforced state under %q: %w", tag, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enforced_state (tag, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(tag) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			tag, string(raw), now); err != nil {
			return fmt.Errorf("failed to upsert enforced state under %q: %w", tag, err)
		}
		tags = append(tags, tag)
	}

	if len(tags) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM enforced_state`); err != nil {
			return fmt.Errorf("failed to prune enforced state: %w", err)
		}
	} else {
		placeholders := strings.Repeat("?,", len(tags))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(tags))
		for i, tag := range tags {
			args[i] = tag
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM enforced_state WHERE tag NOT IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to prune enforced state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enforced state: %w", err)
	}
	return nil
}
