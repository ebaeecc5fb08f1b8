// Package store provides SQLite-backed persistence for incidents, claims,
// participant rollups, department sessions, events, and the notification
// queue. A process-wide writer lock serializes every mutating transaction;
// readers run without the lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"incidentbot/pkg/incerr"
	"incidentbot/pkg/logx"
)

// Store owns the database handle and the writer lock.
type Store struct {
	db     *sql.DB
	writer sync.Mutex
	logger *logx.Logger
}

// Open opens (or creates) the database at path and brings the schema up to
// date, including the legacy tier-schema rebuild when detected.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; keep the pool at one connection so
	// the writer mutex is the only serialization point.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("store")}
	s.logger.Info("database ready: %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx so query helpers can run
// standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// WithWriteTx acquires the writer lock, opens a transaction, runs fn, and
// commits. Any error from fn rolls the transaction back and leaves on-disk
// state unchanged.
func (s *Store) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writer.Lock()
	defer s.writer.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return incerr.Wrap(err, incerr.KindStorage, "beginning transaction")
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return incerr.Wrap(err, incerr.KindStorage, "committing transaction")
	}
	return nil
}
