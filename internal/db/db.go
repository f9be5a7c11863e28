package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "autodash.db"

type Config struct {
	Path string
}

func dbPath(path string) string {
	if path == "" {
		return filepath.Join(".", defaultDBName)
	}
	return path
}

// EnsureDir creates the directory holding the database file if missing.
func EnsureDir(path string) (string, error) {
	dir := filepath.Dir(dbPath(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database in WAL mode with foreign keys on.
// Readers never block the writer and vice versa; busy_timeout absorbs the
// short write lock contention between concurrent requests.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg.Path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Path))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath(cfg.Path), err)
	}
	return conn, nil
}

// Path returns the effective database path.
func Path(path string) string {
	return dbPath(path)
}
