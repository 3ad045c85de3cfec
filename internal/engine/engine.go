// Package engine provides the per-backend implementations of the
// domain.Engine interface: PostgreSQL, MySQL, and SQLite over
// database/sql with a shared dialect layer, plus MongoDB and Redis
// with command-document and command-line query surfaces.
package engine

import (
	"github.com/opensource-db/kestrel/internal/domain"
)

// New builds the engine named by cfg.Type. The returned engine is
// connected and health-checked.
func New(id string, cfg domain.DatabaseConfig) (domain.Engine, error) {
	switch cfg.Type {
	case domain.EnginePostgres:
		return NewPostgres(id, cfg)
	case domain.EngineMySQL:
		return NewMySQL(id, cfg)
	case domain.EngineSQLite:
		return NewSQLite(id, cfg)
	case domain.EngineMongo:
		return NewMongo(id, cfg)
	case domain.EngineRedis:
		return NewRedis(id, cfg)
	default:
		return nil, domain.Wrap(domain.ErrConfiguration, domain.ErrEngineUnknown, "engine type %q", cfg.Type)
	}
}
