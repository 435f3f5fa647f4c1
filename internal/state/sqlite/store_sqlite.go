package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"syphon-executor/internal/state/sqlstore"

	_ "modernc.org/sqlite"
)

// New opens (creating if needed) a sqlite database at path and returns the
// strategy store and journal kv backed by it.
func New(path string) (*sqlstore.Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps :memory:
	// databases shared across callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, err
	}
	store, err := sqlstore.New(context.Background(), db, sqlstore.SQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
