// ABOUTME: Database connection management and initialization
// ABOUTME: Handles opening SQLite database with WAL mode at a caller-supplied path
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDatabase opens (creating if absent) a SQLite database in WAL mode
// at path and initializes the ACL schema under names.
func OpenDatabase(path string, names TableNames) (*sql.DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Open database with WAL mode
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// Configure connection pool for SQLite (avoid database locked errors)
	db.SetMaxOpenConns(1)

	// Initialize schema
	if err := InitSchema(db, names); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
