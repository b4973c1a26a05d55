package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/models"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// QuotaKey identifies one daily send counter.
type QuotaKey struct {
	Scope   string
	ScopeID uint
	Day     string
}

func SenderQuotaKey(senderID uint, day string) QuotaKey {
	return QuotaKey{Scope: models.QuotaScopeSender, ScopeID: senderID, Day: day}
}

func CampaignQuotaKey(campaignID uint, day string) QuotaKey {
	return QuotaKey{Scope: models.QuotaScopeCampaign, ScopeID: campaignID, Day: day}
}

func (k QuotaKey) String() string {
	return fmt.Sprintf("quota:%s:%d:%s", k.Scope, k.ScopeID, k.Day)
}

// QuotaCounter is an atomic per-day send counter. Reserve increments only
// while the count is below limit (limit <= 0 means unlimited) and reports
// whether the slot was taken.
type QuotaCounter interface {
	Count(ctx context.Context, key QuotaKey) (int, error)
	Reserve(ctx context.Context, key QuotaKey, limit int) (bool, error)
	Release(ctx context.Context, key QuotaKey) error
}

// DBQuotaCounter keeps counters in the quota_usages table.
type DBQuotaCounter struct {
	DB *gorm.DB
}

func NewDBQuotaCounter(db *gorm.DB) *DBQuotaCounter {
	return &DBQuotaCounter{DB: db}
}

func (q *DBQuotaCounter) Count(ctx context.Context, key QuotaKey) (int, error) {
	var usage models.QuotaUsage
	err := q.DB.WithContext(ctx).
		Where("scope = ? AND scope_id = ? AND day = ?", key.Scope, key.ScopeID, key.Day).
		First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return usage.SentCount, nil
}

func (q *DBQuotaCounter) Reserve(ctx context.Context, key QuotaKey, limit int) (bool, error) {
	res := q.DB.WithContext(ctx).Exec(`
		INSERT INTO quota_usages (scope, scope_id, day, sent_count) VALUES (?, ?, ?, 1)
		ON CONFLICT (scope, scope_id, day)
		DO UPDATE SET sent_count = quota_usages.sent_count + 1
		WHERE ? <= 0 OR quota_usages.sent_count < ?`,
		key.Scope, key.ScopeID, key.Day, limit, limit)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (q *DBQuotaCounter) Release(ctx context.Context, key QuotaKey) error {
	return q.DB.WithContext(ctx).Model(&models.QuotaUsage{}).
		Where("scope = ? AND scope_id = ? AND day = ? AND sent_count > 0", key.Scope, key.ScopeID, key.Day).
		Update("sent_count", gorm.Expr("sent_count - 1")).Error
}

var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and current >= limit then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
	redis.call('DECR', KEYS[1])
end
return 1
`)

// RedisQuotaCounter keeps counters in Redis for multi-instance deployments.
type RedisQuotaCounter struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisQuotaCounter(client *redis.Client) *RedisQuotaCounter {
	// a local day never spans more than 26 hours, keep a margin for late releases
	return &RedisQuotaCounter{Client: client, TTL: 48 * time.Hour}
}

func (q *RedisQuotaCounter) Count(ctx context.Context, key QuotaKey) (int, error) {
	n, err := q.Client.Get(ctx, key.String()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (q *RedisQuotaCounter) Reserve(ctx context.Context, key QuotaKey, limit int) (bool, error) {
	ok, err := reserveScript.Run(ctx, q.Client, []string{key.String()}, limit, int(q.TTL.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

func (q *RedisQuotaCounter) Release(ctx context.Context, key QuotaKey) error {
	return releaseScript.Run(ctx, q.Client, []string{key.String()}).Err()
}
