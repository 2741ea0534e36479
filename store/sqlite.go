package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"modernc.org/sqlite"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// sqliteBusy is the primary result code SQLite reports when another
// connection holds the write lock past busy_timeout.
const sqliteBusy = 5

// SQLiteStore is a Store backed by a single SQLite database file. Writers use
// immediate transactions, so processes sharing the file are serialized by
// SQLite's own locking.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// initialises the schema. Use ":memory:" for a private in-memory database.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, o))
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if strings.HasPrefix(path, ":memory:") {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pacer_documents (
			name   TEXT PRIMARY KEY,
			record TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create table: %w", err)
	}

	return &SQLiteStore{db: db, opts: o}, nil
}

func sqliteDSN(path string, o options) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	busy := o.lockTimeout.Milliseconds()
	if busy <= 0 {
		busy = math.MaxInt32
	}
	return fmt.Sprintf("%s%s_txlock=immediate&_pragma=busy_timeout(%d)", path, sep, busy)
}

// Update runs fn inside an immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, name string, fn func(*Record) error) error {
	if err := validateName(name); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(name, "begin", err)
	}
	defer tx.Rollback()

	rec, err := s.get(ctx, tx, name)
	if err != nil {
		return err
	}

	fnErr := fn(rec)

	if rec.discard {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pacer_documents WHERE name = ?`, name); err != nil {
			return s.wrap(name, "delete", err)
		}
	} else {
		b, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pacer_documents (name, record) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET record = excluded.record
		`, name, string(b)); err != nil {
			return s.wrap(name, "write", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap(name, "commit", err)
	}
	return fnErr
}

// Load returns the named record.
func (s *SQLiteStore) Load(ctx context.Context, name string) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, name)
}

// List returns all record names in lexical order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pacer_documents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, name string) (*Record, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM pacer_documents WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, s.wrap(name, "read", err)
	}
	rec, err := decodeRecord([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", name, err)
	}
	return rec, nil
}

func (s *SQLiteStore) wrap(name, op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqliteBusy {
		return fmt.Errorf("store: %s %s: %w", op, name, ErrLockTimeout)
	}
	return fmt.Errorf("store: %s %s: %w", op, name, err)
}
