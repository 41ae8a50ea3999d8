package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// NewSQLiteStoryStore creates a story store backed by an SQLite file. Use
// ":memory:" for a throwaway database.
func NewSQLiteStoryStore(path string) (*SQLStoryStore, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to :memory: is its own database, and SQLite serialises
	// writers anyway.
	db.SetMaxOpenConns(1)

	return newSQLStoryStore(db, false)
}
