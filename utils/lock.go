package utils

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker hands out non-blocking exclusive leases on a key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// LocalLocker serializes work inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker extends the exclusion across instances. The lease expires on
// its own if the holder dies.
type RedisLocker struct {
	Client *redis.Client
	Local  *LocalLocker
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{Client: client, Local: NewLocalLocker()}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	localUnlock, ok, _ := l.Local.TryLock(ctx, key, ttl)
	if !ok {
		return nil, false, nil
	}

	token := uuid.NewString()
	acquired, err := l.Client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil || !acquired {
		localUnlock()
		return nil, false, err
	}

	return func() {
		// the caller's context may already be cancelled
		_ = unlockScript.Run(context.Background(), l.Client, []string{"lock:" + key}, token).Err()
		localUnlock()
	}, true, nil
}
