package models

import (
	"time"
)

// MigrationRecord marks one migration as applied. A row exists exactly when
// the migration's effects are present in the database.
type MigrationRecord struct {
	AppScope  string    `gorm:"column:app_scope;primaryKey;size:255" json:"app"`
	Name      string    `gorm:"column:name;primaryKey;size:255" json:"name"`
	AppliedAt time.Time `gorm:"column:applied_at;not null" json:"applied_at"`
}

// TableName ensures consistent table naming
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}
