package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/fieldsync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the app-owned fieldsync.db.
// It is the single durable owner of jobs, messages, conversations and the
// mutation queue. When a bus is bound, entity-mutating methods publish one
// change event per successful write.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions begin immediate: every Transact takes the write lock up front,
// so concurrent read-validate-write sequences queue on busy_timeout instead
// of deadlocking on a lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// Bind attaches the event bus change events are published on. A nil-bound
// store stays silent, which is what most store-level tests want.
func (db *DB) Bind(b *bus.Bus) {
	db.bus = b
}

// Transact runs fn inside a transaction. Any error rolls the whole batch
// back; prior state is untouched and nothing partial is visible.
func (db *DB) Transact(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (db *DB) publish(kind string, payload any) {
	if db.bus != nil {
		db.bus.Publish(bus.Event{Kind: kind, Payload: payload})
	}
}
