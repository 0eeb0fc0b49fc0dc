package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "signupbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteDriver struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteDriver, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; update transactions rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteDriver{db: db, log: log}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertInstance(ctx context.Context, ex execer, inst *Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	var closedAt any
	if inst.Closed() {
		closedAt = inst.ClosedAt.UnixMilli()
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO poll_instances(id, definition, opened_at, closed_at, doc) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, opened_at=excluded.opened_at,
		   closed_at=excluded.closed_at, doc=excluded.doc`,
		inst.ID, inst.Definition, inst.OpenedAt.UnixMilli(), closedAt, string(doc),
	)
	return err
}

func (s *sqliteDriver) put(ctx context.Context, inst *Instance) error {
	return upsertInstance(ctx, s.db, inst)
}

func (s *sqliteDriver) get(ctx context.Context, id string) (*Instance, error) {
	return scanOne(s.db.QueryRowContext(ctx, `SELECT doc FROM poll_instances WHERE id = ?`, id), id)
}

func (s *sqliteDriver) list(ctx context.Context, definition string) ([]*Instance, error) {
	return s.query(ctx, `SELECT doc FROM poll_instances WHERE definition = ? ORDER BY opened_at`, definition)
}

func (s *sqliteDriver) listOpen(ctx context.Context) ([]*Instance, error) {
	return s.query(ctx, `SELECT doc FROM poll_instances WHERE closed_at IS NULL ORDER BY opened_at`)
}

func (s *sqliteDriver) query(ctx context.Context, q string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var inst Instance
		if err := json.Unmarshal([]byte(doc), &inst); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (s *sqliteDriver) update(ctx context.Context, id string, fn func(*Instance) (bool, error)) (*Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inst, err := scanOne(tx.QueryRowContext(ctx, `SELECT doc FROM poll_instances WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	changed, err := fn(inst)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := upsertInstance(ctx, tx, inst); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *sqliteDriver) getState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteDriver) putState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func (s *sqliteDriver) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanOne(row *sql.Row, id string) (*Instance, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal([]byte(doc), &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}
