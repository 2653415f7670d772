package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNotesExpiryIndex = "2026-10-01_notes_expires_at_index"

	notesExpiryIndexName = "idx_notes_expires_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	return applyMigrationsAt(db, logger, time.Now().UTC())
}

func applyMigrationsAt(db *gorm.DB, logger *zap.Logger, now time.Time) error {
	migrations := []migrationDefinition{
		{name: migrationNotesExpiryIndex, apply: createNotesExpiryIndex},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: now.Unix()}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// The sweep and lazy deletes filter on expires_at.
func createNotesExpiryIndex(db *gorm.DB) error {
	if db.Migrator().HasIndex(&notes.Note{}, notesExpiryIndexName) {
		return nil
	}
	return db.Exec("CREATE INDEX " + notesExpiryIndexName + " ON notes (expires_at)").Error
}
