// Package store is the relational persistence layer for relaypod
// (spec §3): Channel, Item, and QueueEntry rows, served through sqlx
// over a pure-Go SQLite driver, with goose-managed migrations.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sqlx handle shared by the Channel/Item/Queue repositories.
type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at dsn and returns a Store. The
// caller must call Migrate before using it against a fresh database.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, spec §5
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies any pending goose migrations embedded in the binary.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back on any returned error (spec §3: "every mutating
// operation runs inside a transaction").
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Channels returns a repository scoped to the channels table, running
// outside any transaction.
func (s *Store) Channels() *ChannelRepo { return &ChannelRepo{db: s.db} }

// Items returns a repository scoped to the items table.
func (s *Store) Items() *ItemRepo { return &ItemRepo{db: s.db} }

// QueueEntries returns a repository scoped to the queue_entries table.
func (s *Store) QueueEntries() *QueueRepo { return &QueueRepo{db: s.db} }

// ChannelsTx returns a channels repository bound to an in-flight
// transaction, for use inside a WithTx callback.
func ChannelsTx(tx *sqlx.Tx) *ChannelRepo { return &ChannelRepo{db: tx} }

// ItemsTx returns an items repository bound to an in-flight transaction.
func ItemsTx(tx *sqlx.Tx) *ItemRepo { return &ItemRepo{db: tx} }

// QueueEntriesTx returns a queue_entries repository bound to an
// in-flight transaction.
func QueueEntriesTx(tx *sqlx.Tx) *QueueRepo { return &QueueRepo{db: tx} }
