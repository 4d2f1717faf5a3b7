// Package db persists trades and their audit events in a local SQLite
// file. The engine is the single writer; WAL journaling makes each save
// durable on return. The pool holds one connection, so dashboard reads
// queue behind engine writes rather than running alongside them.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    trade_id            TEXT PRIMARY KEY,
    pair                TEXT NOT NULL,
    signal_ts           TEXT,
    signal_data         TEXT,           -- JSON
    entry_order_id      INTEGER,
    entry_price         REAL,
    entry_quantity      REAL,
    entry_fill_ts       TEXT,
    tp_order_id         INTEGER,
    sl_order_id         INTEGER,
    tp_price            REAL,
    tp_trigger_price    REAL,
    sl_trigger_price    REAL,
    exit_price          REAL,
    exit_fill_ts        TEXT,
    exit_type           TEXT,
    pnl_usdt            REAL,
    pnl_pct             REAL,
    fees_usdt           REAL,
    status              TEXT NOT NULL,
    error_message       TEXT,
    reconciled          INTEGER DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    event_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id    TEXT,
    event_type  TEXT NOT NULL,
    details     TEXT,                   -- JSON
    timestamp   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_events_trade ON events(trade_id);
`

// Store is the durable home of every trade the engine has ever touched.
type Store struct {
	DB *sql.DB
}

// New opens the trade database at path, creating the file, its parent
// directory and the schema on first use. The pool is pinned to a single
// connection: all writes funnel through the engine, and the WAL pragma
// plus schema bootstrap must run on the same connection the writes use.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{DB: conn}, nil
}

// Close flushes and closes the database. Safe on a nil receiver so the
// supervisor's teardown path needs no guards.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
