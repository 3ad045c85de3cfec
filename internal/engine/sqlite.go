package engine

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-db/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// NewSQLite opens an embedded SQLite engine. Uses modernc.org/sqlite
// for a pure Go implementation (no CGO required).
func NewSQLite(id string, cfg domain.DatabaseConfig) (domain.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.URI
	if dsn == "" {
		path := cfg.Path
		if !strings.Contains(path, ":memory:") {
			dir := filepath.Dir(path)
			if dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, domain.Wrap(domain.ErrConfiguration, err, "create database directory")
				}
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "open sqlite")
	}

	return newSQLEngine(id, cfg, sqliteDialect(), db)
}
