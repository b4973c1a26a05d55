package utils

import (
	"context"
	"sync"
	"testing"

	"outreach/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func quotaCounters(t *testing.T) map[string]QuotaCounter {
	return map[string]QuotaCounter{
		"db":    NewDBQuotaCounter(setupTestDB(t)),
		"redis": NewRedisQuotaCounter(setupTestRedis(t)),
	}
}

func TestQuotaReserveStopsAtLimit(t *testing.T) {
	for name, q := range quotaCounters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := SenderQuotaKey(7, "2024-01-08")

			for i := 0; i < 2; i++ {
				ok, err := q.Reserve(ctx, key, 2)
				require.NoError(t, err)
				assert.True(t, ok)
			}
			ok, err := q.Reserve(ctx, key, 2)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := q.Count(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			// another day starts from zero
			n, err = q.Count(ctx, SenderQuotaKey(7, "2024-01-09"))
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestQuotaReleaseFreesSlot(t *testing.T) {
	for name, q := range quotaCounters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := CampaignQuotaKey(3, "2024-01-08")

			ok, err := q.Reserve(ctx, key, 1)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, q.Release(ctx, key))
			ok, err = q.Reserve(ctx, key, 1)
			require.NoError(t, err)
			assert.True(t, ok)

			// releasing an empty counter never goes negative
			empty := CampaignQuotaKey(4, "2024-01-08")
			require.NoError(t, q.Release(ctx, empty))
			n, err := q.Count(ctx, empty)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestQuotaUnlimited(t *testing.T) {
	for name, q := range quotaCounters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := SenderQuotaKey(1, "2024-01-08")
			for i := 0; i < 5; i++ {
				ok, err := q.Reserve(ctx, key, 0)
				require.NoError(t, err)
				assert.True(t, ok)
			}
			n, err := q.Count(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
		})
	}
}

func TestRedisQuotaConcurrentReserve(t *testing.T) {
	q := NewRedisQuotaCounter(setupTestRedis(t))
	key := SenderQuotaKey(9, "2024-01-08")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := q.Reserve(context.Background(), key, 5)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)
}
