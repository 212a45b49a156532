// Package storage persists the pool registry and the decision journal in sqlite.
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

const memoryPath = ":memory:"

type DB struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path. ":memory:" gives
// a private in-memory database.
func Open(path string) (*DB, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// one connection: sqlite serializes writers anyway and :memory: is per connection
	db.SetMaxOpenConns(1)

	if path != memoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Pools() *PoolRegistry {
	return &PoolRegistry{db: d.db}
}

func (d *DB) Journal() *Journal {
	return &Journal{db: d.db}
}

// Stats counts rows per table, for startup logs.
func (d *DB) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"pools", "cycles"} {
		var count int64
		if err := d.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
