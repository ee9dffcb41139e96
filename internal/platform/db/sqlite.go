package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at path and applies the pragmas the record
// store relies on: WAL journaling so readers do not block the writer, foreign
// keys, and a busy timeout so a second process sharing the device store waits
// instead of failing immediately. The path ":memory:" opens a private
// in-memory database for tests.
func Open(path string) (*sql.DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; pooling would hand out
	// empty databases.
	if path == ":memory:" {
		sdb.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := sdb.Exec(p); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}

	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return sdb, nil
}
