package sqlite

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

//go:embed schema.sql
var schema string

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// busyTimeout is how long one statement waits on another process's write
// lock before SQLite reports "database is locked". It is kept short: longer
// waits happen in RetryOnDBLock, which sleeps between attempts and gives up
// when the caller's context ends.
const busyTimeout = 250 * time.Millisecond

type Store struct {
	db   dbHandle
	path string
	log  *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger routes slow-query and store diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens (creating if needed) the coordination store at path. The store
// is checked for corruption before the schema is applied; a damaged file
// yields *core.StorageCorruptionError and no Store.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := newStore(db, path, opts)
	if err := checkIntegrity(db, path); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewInMemory returns a private in-memory store. A single connection is used
// because every ":memory:" connection is a separate database.
func NewInMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, ":memory:", opts), nil
}

func newStore(db *sql.DB, path string, opts []Option) *Store {
	s := &Store{path: path, log: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.db = &queryLogger{inner: db, log: s.log}
	return s
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// checkIntegrity runs PRAGMA quick_check. Anything other than a single "ok"
// row means the file cannot be trusted as the lock authority.
func checkIntegrity(db *sql.DB, path string) error {
	rows, err := db.Query("PRAGMA quick_check")
	if err != nil {
		if isCorrupt(err) {
			return &core.StorageCorruptionError{Path: path, Detail: err.Error()}
		}
		return fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("scan integrity: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		if isCorrupt(err) {
			return &core.StorageCorruptionError{Path: path, Detail: err.Error()}
		}
		return fmt.Errorf("integrity rows: %w", err)
	}
	if len(problems) > 0 {
		return &core.StorageCorruptionError{Path: path, Detail: strings.Join(problems, "; ")}
	}
	return nil
}

func isCorrupt(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "corrupt")
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return &core.StorageError{Op: op, Err: err}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type scanner interface {
	Scan(dest ...any) error
}
