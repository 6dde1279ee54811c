// Package store is the sqlite persistence collaborator.
//
// Store implements the read-side interfaces the core depends on
// (mdu.ConfigSource, updater.ModificationStore, updater.StageSource,
// timeline.EntrySource and timeline.NaturalOrderSink) plus the writes the
// CLI and server need to populate them.
package store

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/db"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
)

// Store wraps a migrated database
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// New creates a store over a migrated database
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{db: db, log: logger.AddDBSymbol(log.Named("store"))}
}

// DB exposes the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

// warnRead logs a failed read that callers treat as a default value. Once
// the pool is closed during shutdown the failure is expected and logged at debug.
func (s *Store) warnRead(msg string, err error, keysAndValues ...interface{}) {
	keysAndValues = append(keysAndValues, logger.FieldError, err)
	if db.IsDatabaseClosed(err) {
		s.log.Debugw(msg, keysAndValues...)
		return
	}
	s.log.Warnw(msg, keysAndValues...)
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, rolling back on error
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Timestamps are stored as RFC3339 text in UTC
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
