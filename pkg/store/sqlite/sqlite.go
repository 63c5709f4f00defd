// Package sqlite provides a SQLite-backed store driver using direct SQL via
// the github.com/mattn/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomworksco/loom/pkg/store"
	"github.com/loomworksco/loom/pkg/store/sqlcommon"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	block_ids  TEXT NOT NULL DEFAULT '[]',
	metadata   TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	tool_call  TEXT,
	image     TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_message ON blocks(message_id, created_at);
`

// Driver implements store.Driver backed by SQLite.
type Driver struct {
	*sqlcommon.Store
}

// NewDriver creates a SQLite-backed store. The dbPath can be a file path or
// ":memory:" for an in-memory database.
func NewDriver(dbPath string) (*Driver, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite-specific pragmas: durable concurrent reads during streaming
	// writes need WAL.
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Driver{Store: sqlcommon.New(db, sqlcommon.DialectSQLite)}, nil
}

var _ store.Driver = (*Driver)(nil)
