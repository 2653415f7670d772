package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// Supported relational drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var (
	ErrMissingPath       = errors.New("database path is required")
	ErrMissingDSN        = errors.New("database dsn is required")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Config selects and addresses the relational store.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	ReplicaDSNs []string
}

// Open connects to the configured database, registers read replicas and
// brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	if driver == DriverSQLite && len(cfg.ReplicaDSNs) > 0 {
		return nil, fmt.Errorf("%w: replicas require mysql or postgres", ErrUnsupportedDriver)
	}

	primary, err := dialector(driver, cfg.Path, cfg.DSN)
	if err != nil {
		return nil, err
	}

	// TranslateError maps unique-key violations to gorm.ErrDuplicatedKey for every driver.
	db, err := gorm.Open(primary, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if len(cfg.ReplicaDSNs) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.ReplicaDSNs))
		for _, dsn := range cfg.ReplicaDSNs {
			replica, err := dialector(driver, "", dsn)
			if err != nil {
				return nil, err
			}
			replicas = append(replicas, replica)
		}
		resolver := dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})
		if err := db.Use(resolver); err != nil {
			return nil, err
		}
		logger.Info("database replicas registered", zap.Int("replicas", len(replicas)))
	}

	if err := db.AutoMigrate(&notes.Note{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver), zap.String("path", cfg.Path))
	return db, nil
}

// OpenSQLite opens the embedded SQLite store at path.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Config{Driver: DriverSQLite, Path: path}, logger)
}

func dialector(driver, path, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		if path == "" {
			return nil, ErrMissingPath
		}
		return sqlite.Open(path), nil
	case DriverMySQL:
		if dsn == "" {
			return nil, ErrMissingDSN
		}
		return mysql.Open(dsn), nil
	case DriverPostgres:
		if dsn == "" {
			return nil, ErrMissingDSN
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}
