package models

import "time"

// KVEntry is one key in the database-backed key-value store. A nil
// ExpiresAt never expires.
type KVEntry struct {
	Key       string     `gorm:"primaryKey;size:191"`
	Value     string     `gorm:"type:text;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}
