package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func memoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	db := memoryDB(t)

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRecorder()
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	// no table yet reads as empty history
	records, err := r.AppliedMigrations(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, r.EnsureTable(ctx, db))
	require.NoError(t, r.EnsureTable(ctx, db))

	require.NoError(t, r.RecordApplied(ctx, db, k("shop", "0002"), k("auth", "0001")))
	require.NoError(t, r.RecordApplied(ctx, db, k("shop", "0001")))
	// recording twice keeps the first row
	require.NoError(t, r.RecordApplied(ctx, db, k("shop", "0002")))

	records, err = r.AppliedMigrations(ctx, db)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "0002", records[0].Name)
	assert.Equal(t, "auth", records[1].AppScope)
	assert.Equal(t, "0001", records[2].Name)

	ok, err := r.IsApplied(ctx, db, k("shop", "0001"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.RecordUnapplied(ctx, db, k("shop", "0001"), k("shop", "9999")))
	set, err := r.AppliedSet(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, appliedSet(k("shop", "0002"), k("auth", "0001")), set)
}

func TestRecorder_JoinsTransaction(t *testing.T) {
	ctx := context.Background()
	db := memoryDB(t)
	r := NewRecorder()
	require.NoError(t, r.EnsureTable(ctx, db))

	tx := db.Begin()
	require.NoError(t, r.RecordApplied(ctx, tx, k("shop", "0001")))
	require.NoError(t, tx.Rollback().Error)

	ok, err := r.IsApplied(ctx, db, k("shop", "0001"))
	require.NoError(t, err)
	assert.False(t, ok)
}
