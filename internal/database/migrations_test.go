package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var migrationEpoch = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&notes.Note{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	return database
}

func TestApplyMigrationsCreatesExpiryIndex(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if database.Migrator().HasIndex(&notes.Note{}, notesExpiryIndexName) {
		testContext.Fatalf("expected the schema to start without the expiry index")
	}

	if err := applyMigrationsAt(database, zap.NewNop(), migrationEpoch); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	if !database.Migrator().HasIndex(&notes.Note{}, notesExpiryIndexName) {
		testContext.Fatalf("expected %s to exist", notesExpiryIndexName)
	}
	var record migrationRecord
	if err := database.Where("name = ?", migrationNotesExpiryIndex).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds != migrationEpoch.Unix() {
		testContext.Fatalf("expected migration timestamp %d, got %d", migrationEpoch.Unix(), record.AppliedAtSeconds)
	}
}

func TestApplyMigrationsSkipsExistingIndex(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := database.Exec("CREATE INDEX " + notesExpiryIndexName + " ON notes (expires_at)").Error; err != nil {
		testContext.Fatalf("failed to pre-create index: %v", err)
	}

	if err := applyMigrationsAt(database, zap.NewNop(), migrationEpoch); err != nil {
		testContext.Fatalf("expected an existing index to be accepted: %v", err)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrationsAt(database, zap.NewNop(), migrationEpoch); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrationsAt(database, zap.NewNop(), migrationEpoch.Add(time.Hour)); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 1 || records[0].AppliedAtSeconds != migrationEpoch.Unix() {
		testContext.Fatalf("recorded migrations must not run again, got %#v", records)
	}
}
