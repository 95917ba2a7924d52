package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const (
	defaultDir    = ".wagerline"
	defaultDBName = "wagerline.db"
)

type Config struct {
	// Workspace is the directory holding .wagerline/wagerline.db. Ignored when
	// Path is set.
	Workspace string
	Path      string
}

// Path returns the database file for cfg.
func Path(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, defaultDir, defaultDBName)
}

// Open opens the SQLite database, creating its directory if missing. The
// busy timeout lets the dispatcher and API writers share the file.
func Open(cfg Config) (*sql.DB, error) {
	path := Path(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create database dir for %s", path)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return conn, nil
}
