package migration

import (
	"strings"

	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply runs the embedded migrations on startup. Other dialects are expected
// to be provisioned by their own tooling.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !Supported(cfg.DBType) {
		log.Named("migrations").Warn("skipping migrations for unsupported database type", zap.String("db_type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func Supported(dbType string) bool {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "", "postgres", "postgresql":
		return true
	default:
		return false
	}
}
