package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists keys in the kv_entries table.
type GormStore struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewGormStore returns a GormStore. The kv_entries table must already be
// migrated.
func NewGormStore(db *gorm.DB, c clock.Clock) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("kv: gorm store: db is required")
	}
	return &GormStore{db: db, clock: clock.OrReal(c)}, nil
}

// "key" is reserved in MySQL, so column references go through clause
// expressions, which gorm quotes per dialect.
var keyColumn = clause.Column{Name: "key"}

// Get implements Store. Expired rows are deleted on read.
func (s *GormStore) Get(ctx context.Context, key string) (string, bool, error) {
	var e models.KVEntry
	err := s.db.WithContext(ctx).Where(clause.Eq{Column: keyColumn, Value: key}).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	if e.ExpiresAt != nil && !s.clock.Now().Before(*e.ExpiresAt) {
		if err := s.Delete(ctx, key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return e.Value, true, nil
}

// Set implements Store as an upsert.
func (s *GormStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := models.KVEntry{Key: key, Value: value}
	if ttl > 0 {
		exp := s.clock.Now().Add(ttl)
		e.ExpiresAt = &exp
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{keyColumn},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *GormStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = k
	}
	err := s.db.WithContext(ctx).
		Where(clause.IN{Column: keyColumn, Values: vals}).
		Delete(&models.KVEntry{}).Error
	if err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Sweep deletes every expired row and returns how many were removed.
func (s *GormStore) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.clock.Now()).
		Delete(&models.KVEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("kv: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
