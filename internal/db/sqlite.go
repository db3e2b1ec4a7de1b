package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// journalPragmas are applied once per connection. The journal is small and
// append-mostly, so durability is relaxed to NORMAL under WAL.
var journalPragmas = []string{
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
}

// DB is the health journal store. Every write goes through exec, which holds
// writeMu; readers share the single pooled connection.
type DB struct {
	conn    *sql.DB
	path    string
	writeMu sync.Mutex
}

// Connect opens (creating if needed) the journal database at dbPath
func Connect(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach journal %s: %w", dbPath, err)
	}

	for _, p := range journalPragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			log.Printf("Journal: warning: %s failed: %v", p, err)
		}
	}

	log.Printf("Journal: opened %s", dbPath)
	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// EnsureSchema creates the journal tables and indexes when missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply journal schema: %w", err)
	}
	log.Printf("Journal: schema ready in %s", db.path)
	return nil
}

// exec runs one write statement while holding the write lock
func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.conn.ExecContext(ctx, query, args...)
}
