package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

const schema = `
CREATE TABLE IF NOT EXISTS redwood_events (
    sequence       INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT    NOT NULL UNIQUE,
    group_id       TEXT    NOT NULL,
    channel        TEXT    NOT NULL,
    participant_id TEXT,
    timestamp      INTEGER NOT NULL,
    payload        TEXT
);
CREATE INDEX IF NOT EXISTS redwood_events_group_channel_idx
    ON redwood_events (group_id, channel, timestamp, sequence);
CREATE TABLE IF NOT EXISTS redwood_readiness (
    group_id  TEXT PRIMARY KEY,
    ran       INTEGER NOT NULL DEFAULT 0,
    timestamp INTEGER NOT NULL
);`

// Open creates a SQLite connection via libSQL configured for concurrent use
// (WAL journal, 5 s busy timeout) and creates the tables if missing.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// libSQL rejects Exec for PRAGMAs that return rows, so run them through
	// QueryContext and drain.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		rows, err := db.QueryContext(ctx, p)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %s: %w", p, err)
		}
		rows.Close()
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}
