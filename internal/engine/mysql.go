package engine

import (
	"database/sql"
	"fmt"

	"github.com/opensource-db/kestrel/internal/domain"
	_ "github.com/go-sql-driver/mysql"
)

// NewMySQL opens a MySQL engine.
func NewMySQL(id string, cfg domain.DatabaseConfig) (domain.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.URI
	if dsn == "" {
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		// parseTime makes the driver surface DATETIME columns as
		// time.Time instead of raw bytes.
		dsn = fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, port, cfg.Database,
		)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnectionFailed, err, "open mysql")
	}

	return newSQLEngine(id, cfg, mysqlDialect(), db)
}
