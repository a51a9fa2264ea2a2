package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/model"
)

// Options configures a Store.
type Options struct {
	// DeferredConstraints checks foreign keys at COMMIT instead of per
	// statement.
	DeferredConstraints bool
}

// Store is one SQLite database serving one named store.
type Store struct {
	name  string
	db    *sql.DB
	model *model.Model
	opts  Options
}

var _ commit.Backend = (*Store)(nil)

// Open creates or opens the database at path for the types of m that name
// store as their backing store.
func Open(path, name string, m *model.Model, opts Options) (*Store, error) {
	if err := checkModel(m, name); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite has one writer; a small pool still lets a nested transaction
	// on another context read while the outer one holds the write lock.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	return &Store{name: name, db: db, model: m, opts: opts}, nil
}

// dsn encodes the connection pragmas as go-sqlite3 DSN parameters.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// checkModel rejects key shapes SQLite cannot generate.
func checkModel(m *model.Model, name string) error {
	for _, t := range m.Types() {
		if t.StoreName() != name {
			continue
		}
		for _, kf := range t.Keys {
			generatedInt := kf.ServerGenerated && (kf.Kind == model.KindInt32 || kf.Kind == model.KindInt64)
			if generatedInt && t.IsComposite() {
				return fmt.Errorf("type %s: generated integer key %q must be the only key component", t.Name, kf.Name)
			}
		}
	}
	return nil
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin starts a transaction and returns its command executor.
func (s *Store) Begin(ctx context.Context) (commit.Executor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if s.opts.DeferredConstraints {
		if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("defer foreign keys: %w", err)
		}
	}
	return &Executor{store: s, tx: tx}, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
