package store

import (
	"fmt"

	"labelberry/common/config"
)

// NewStore selects and opens a backend from cfg, mirroring the teacher's
// server/storage/store.go driver switch.
func NewStore(cfg *config.DatabaseConfig) (Store, error) {
	switch cfg.EffectiveDriver() {
	case "postgres", "postgresql":
		return OpenPostgres(cfg.BuildDSN())
	case "sqlite", "":
		return OpenSQLite(cfg.BuildDSN())
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
