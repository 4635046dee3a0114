// Package db opens the broker's SQLite database with the pragmas the store
// depends on: WAL journaling, foreign keys, and a single writer connection.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// WAL mode allows many readers alongside the single writer; 4 reader
	// connections is plenty for a local broker.
	defaultReaderConns = 4
)

// OpenSQLite opens the database for writes. The returned pool is pinned to a
// single connection so writes serialize instead of surfacing SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenSQLiteReader opens a read-only connection pool. Readers operate on WAL
// snapshots and never block the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(defaultReaderConns)
	conn.SetMaxIdleConns(defaultReaderConns)

	return conn, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
