package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "journal.db"
	defaultDir    = "Logs"
)

type Config struct {
	Workspace string
	// Dir is the journal directory relative to Workspace.
	Dir string
}

func (c Config) dir() string {
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	dir := c.Dir
	if dir == "" {
		dir = defaultDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

// EnsureDir creates the journal directory if missing.
func EnsureDir(cfg Config) (string, error) {
	path := cfg.dir()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite journal. A single connection keeps writes serialized.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", Path(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the journal path for the workspace.
func Path(cfg Config) string {
	return filepath.Join(cfg.dir(), defaultDBName)
}
