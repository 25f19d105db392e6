package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ispbill/routerd/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the database at config.Cfg.DatabasePath and stores it in DB.
func Init() error {
	db, err := Open(config.Cfg.DatabasePath, logger.Warn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open creates the parent directory, opens path in WAL mode and migrates the schema.
func Open(path string, level logger.LogLevel) (*gorm.DB, error) {
	dbDir := filepath.Dir(path)
	if dbDir != "" && path != ":memory:" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&RouterConnection{}, &RouterEvent{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(db); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	return db, nil
}

func seedDefaults(db *gorm.DB) error {
	defaults := map[string]string{
		"schema_version": "1",
	}

	for key, value := range defaults {
		var count int64
		db.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := db.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(db *gorm.DB, key string) error {
	return db.Where("key = ?", key).Delete(&Setting{}).Error
}
