package engine

import (
	"database/sql"
	"fmt"

	"github.com/opensource-db/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// NewPostgres opens a PostgreSQL engine.
func NewPostgres(id string, cfg domain.DatabaseConfig) (domain.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.URI
	if dsn == "" {
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, port, cfg.User, cfg.Password, cfg.Database, sslMode,
		)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "open postgres")
	}

	return newSQLEngine(id, cfg, postgresDialect(), db)
}
