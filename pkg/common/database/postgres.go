package database

import (
	"fmt"

	"github.com/sitetrace/scanrelay/pkg/common/config"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ConnectPostgres opens a Postgres connection from the supplied config.
// The host setting is mandatory for the ingest service; callers treat an
// error here as fatal at startup.
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PostgresHost == "" {
		return nil, fmt.Errorf("POSTGRES_HOST is not set")
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	logger.Log.Info("Connected to PostgreSQL")
	return db, nil
}

func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
