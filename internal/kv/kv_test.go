package kv

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openKVTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.KVEntry{}))
	return db
}

// exerciseStore runs the shared contract against any Store whose expiry is
// driven by clk.
func exerciseStore(t *testing.T, s Store, clk *clock.Fake) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "name", "Ana", time.Hour))
	v, ok, err := s.Get(ctx, "name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Ana", v)

	// Overwrite replaces value and expiry.
	require.NoError(t, s.Set(ctx, "name", "Ana Maria", 2*time.Hour))
	clk.Advance(90 * time.Minute)
	v, ok, err = s.Get(ctx, "name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Ana Maria", v)

	clk.Advance(31 * time.Minute)
	_, ok, err = s.Get(ctx, "name")
	require.NoError(t, err)
	assert.False(t, ok, "key should expire after its ttl")

	require.NoError(t, s.Set(ctx, "forever", "x", 0))
	clk.Advance(365 * 24 * time.Hour)
	_, ok, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok, "ttl <= 0 never expires")

	require.NoError(t, s.Set(ctx, "a", "1", time.Hour))
	require.NoError(t, s.Set(ctx, "b", "2", time.Hour))
	require.NoError(t, s.Delete(ctx, "a", "b", "not-there"))
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok)
	require.NoError(t, s.Delete(ctx))
}

func TestMemoryStore_Contract(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	exerciseStore(t, NewMemoryStore(clk), clk)
}

func TestGormStore_Contract(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewGormStore(openKVTestDB(t), clk)
	require.NoError(t, err)
	exerciseStore(t, s, clk)
}

func TestGormStore_RequiresDB(t *testing.T) {
	_, err := NewGormStore(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db is required")
}

func TestGormStore_Sweep(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	db := openKVTestDB(t)
	s, err := NewGormStore(db, clk)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "1", time.Minute))
	require.NoError(t, s.Set(ctx, "long", "2", time.Hour))
	require.NoError(t, s.Set(ctx, "none", "3", 0))
	clk.Advance(10 * time.Minute)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var count int64
	require.NoError(t, db.Model(&models.KVEntry{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestPrefixed_ScopesKeys(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore(nil)
	a := Prefixed(base, "visitor-a")
	b := Prefixed(base, "visitor-b")

	require.NoError(t, a.Set(ctx, "name", "Ana", 0))
	require.NoError(t, b.Set(ctx, "name", "Bruno", 0))

	v, ok, _ := base.Get(ctx, "visitor-a:name")
	assert.True(t, ok)
	assert.Equal(t, "Ana", v)

	require.NoError(t, a.Delete(ctx, "name"))
	_, ok, _ = a.Get(ctx, "name")
	assert.False(t, ok)
	v, _, _ = b.Get(ctx, "name")
	assert.Equal(t, "Bruno", v)
	assert.Equal(t, 1, base.Len())
}
