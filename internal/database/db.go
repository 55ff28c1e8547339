package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"vstage-upload/internal/config"
	"vstage-upload/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database named by databaseURL, tunes the connection
// pool and runs auto-migration. sqlite:// and postgres(ql):// URLs are accepted.
func Open(databaseURL string, pool config.DB, debug bool, log zerolog.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure GORM logger
	gormLogger := logger.Default.LogMode(logger.Warn)
	if debug {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	log.Debug().
		Int("max_open", pool.MaxOpenConns).
		Int("max_idle", pool.MaxIdleConns).
		Dur("max_lifetime", pool.ConnMaxLifetime).
		Msg("database connection pool configured")

	// Health check
	if err := sqlDB.Ping(); err != nil {
		return nil, discard(sqlDB, fmt.Errorf("database ping failed: %w", err))
	}

	if err := AutoMigrate(db); err != nil {
		return nil, discard(sqlDB, fmt.Errorf("failed to auto-migrate: %w", err))
	}

	log.Info().Str("dialect", dialector.Name()).Msg("database initialized")
	return db, nil
}

// discard closes a connection that failed to initialize and returns err
func discard(sqlDB *sql.DB, err error) error {
	if cerr := sqlDB.Close(); cerr != nil {
		return errors.Join(err, fmt.Errorf("failed to close database: %w", cerr))
	}
	return err
}

func dialectorFor(databaseURL string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dbPath := strings.TrimPrefix(databaseURL, "sqlite://")
		if dbPath == "" {
			return nil, fmt.Errorf("sqlite database URL has no path")
		}
		// Concurrent file pipelines write checkpoints at the same time
		if !strings.Contains(dbPath, "?") {
			dbPath += "?_busy_timeout=5000&_journal_mode=WAL"
		}
		return sqlite.Open(dbPath), nil
	case strings.HasPrefix(databaseURL, "postgresql://"), strings.HasPrefix(databaseURL, "postgres://"):
		return postgres.Open(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database URL format: %s", databaseURL)
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.UploadCheckpoint{},
	)
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
