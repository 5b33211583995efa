package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewGormDB initializes a GORM DB instance. dbType selects "mysql" or
// "sqlite" (the default); dsn is the connection string, with a local
// development fallback when empty.
func NewGormDB(dbType, dsn string, zlog zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector

	if dbType == "mysql" {
		if dsn == "" {
			dsn = "root:@tcp(127.0.0.1:3306)/spider_admin?charset=utf8mb4&parseTime=True&loc=Local"
			zlog.Info().Str("dsn", dsn).Msg("using default MySQL DSN")
		}
		dialector = mysql.Open(dsn)
	} else {
		if dsn == "" {
			dsn = "spider_admin.db"
			zlog.Info().Str("dsn", dsn).Msg("using default SQLite DSN")
		}
		dialector = sqlite.Open(dsn)
	}

	gormLogger := logger.New(
		&zerologWriter{log: zlog},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	zlog.Info().Str("type", dbType).Msg("database connection established")
	return gdb, nil
}

// AutoMigrate performs auto-migration for the given GORM models.
func AutoMigrate(gdb *gorm.DB, models ...interface{}) error {
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// zerologWriter adapts zerolog to gorm's logger.Writer.
type zerologWriter struct {
	log zerolog.Logger
}

func (w *zerologWriter) Printf(format string, args ...interface{}) {
	w.log.Debug().Msgf(format, args...)
}
