package notes

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	queryCode          = "code = ?"
	queryExpiredAsOf   = "expires_at <= ?"
	queryCreatedAtSame = "created_at = ?"
)

var errMissingDatabase = errors.New("database handle is required")

// GormStore persists notes in a relational database through GORM.
// The primary key on code is the storage-level uniqueness guarantee.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open GORM handle. The notes table must already be migrated.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Insert(ctx context.Context, note Note) (InsertResult, error) {
	record := note
	record.CreatedAt = note.CreatedAt.UTC()
	record.ExpiresAt = note.ExpiresAt.UTC()
	err := s.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return Inserted, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return InsertCollision, nil
	}
	return InsertFailed, err
}

func (s *GormStore) SelectOne(ctx context.Context, code Code) (Note, bool, error) {
	var stored Note
	err := s.db.WithContext(ctx).Where(queryCode, code.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, false, nil
	}
	if err != nil {
		return Note{}, false, err
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.ExpiresAt = stored.ExpiresAt.UTC()
	return stored, true, nil
}

func (s *GormStore) Delete(ctx context.Context, filter DeleteFilter) (bool, error) {
	query := s.db.WithContext(ctx).Where(queryCode, filter.Code.String())
	if !filter.ExpiredAsOf.IsZero() {
		query = query.Where(queryExpiredAsOf, filter.ExpiredAsOf.UTC())
	}
	if !filter.CreatedAt.IsZero() {
		query = query.Where(queryCreatedAtSame, filter.CreatedAt.UTC())
	}
	result := query.Delete(&Note{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	var codes []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Note{}).Where(queryExpiredAsOf, now.UTC()).Pluck("code", &codes).Error; err != nil {
			return err
		}
		if len(codes) == 0 {
			return nil
		}
		return tx.Where("code IN ? AND "+queryExpiredAsOf, codes, now.UTC()).Delete(&Note{}).Error
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
