package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/schemaflow/internal/models"
	"gorm.io/gorm"
)

// Recorder reads and writes the applied-migration history table. Every
// method takes the handle to use so writes can join the transaction that
// applies the migration.
type Recorder struct {
	now func() time.Time
}

// NewRecorder returns a recorder using the wall clock
func NewRecorder() *Recorder {
	return &Recorder{now: func() time.Time { return time.Now().UTC() }}
}

// EnsureTable creates the history table if it does not exist
func (r *Recorder) EnsureTable(ctx context.Context, db *gorm.DB) error {
	if db.WithContext(ctx).Migrator().HasTable(&models.MigrationRecord{}) {
		return nil
	}
	if err := db.WithContext(ctx).Migrator().CreateTable(&models.MigrationRecord{}); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// IsApplied reports whether a record exists for k
func (r *Recorder) IsApplied(ctx context.Context, db *gorm.DB, k Key) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&models.MigrationRecord{}).
		Where("app_scope = ? AND name = ?", k.App, k.Name).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check migration %s: %w", k, err)
	}
	return count > 0, nil
}

// RecordApplied inserts records for keys. Keys that are already recorded are
// left as they are.
func (r *Recorder) RecordApplied(ctx context.Context, db *gorm.DB, keys ...Key) error {
	for _, k := range keys {
		applied, err := r.IsApplied(ctx, db, k)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		record := &models.MigrationRecord{
			AppScope:  k.App,
			Name:      k.Name,
			AppliedAt: r.now(),
		}
		if err := db.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("failed to record migration %s: %w", k, err)
		}
	}
	return nil
}

// RecordUnapplied deletes the records for keys
func (r *Recorder) RecordUnapplied(ctx context.Context, db *gorm.DB, keys ...Key) error {
	for _, k := range keys {
		err := db.WithContext(ctx).
			Where("app_scope = ? AND name = ?", k.App, k.Name).
			Delete(&models.MigrationRecord{}).Error
		if err != nil {
			return fmt.Errorf("failed to remove record for %s: %w", k, err)
		}
	}
	return nil
}

// AppliedMigrations returns every record ordered by applied_at, app, name.
// A missing history table reads as an empty history.
func (r *Recorder) AppliedMigrations(ctx context.Context, db *gorm.DB) ([]models.MigrationRecord, error) {
	if !db.WithContext(ctx).Migrator().HasTable(&models.MigrationRecord{}) {
		return nil, nil
	}
	var records []models.MigrationRecord
	err := db.WithContext(ctx).
		Order("applied_at ASC").
		Order("app_scope ASC").
		Order("name ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return records, nil
}

// AppliedSet returns the recorded keys as a set
func (r *Recorder) AppliedSet(ctx context.Context, db *gorm.DB) (map[Key]bool, error) {
	records, err := r.AppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	set := make(map[Key]bool, len(records))
	for _, rec := range records {
		set[Key{App: rec.AppScope, Name: rec.Name}] = true
	}
	return set, nil
}
