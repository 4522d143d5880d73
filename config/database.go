package config

import (
	"fmt"
	"time"

	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dialector(c DatabaseConfig) (gorm.Dialector, error) {
	switch c.Driver {
	case "mysql":
		return mysql.Open(c.DSN()), nil
	case "postgres":
		return postgres.Open(c.DSN()), nil
	case "sqlite":
		return sqlite.Open(c.DSN()), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", c.Driver)
}

// InitDB opens the configured database and sizes its connection pool.
func InitDB(c DatabaseConfig) (*gorm.DB, error) {
	d, err := dialector(c)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.Driver == "sqlite" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	utils.InfoLogger.WithField("driver", c.Driver).Info("Database connected")
	return db, nil
}
