package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// BulkLock prevents one caller from running overlapping bulk actions.
type BulkLock interface {
	// Acquire returns ErrBulkInProgress when key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// MemoryBulkLock is a single-process BulkLock.
type MemoryBulkLock struct {
	mu   sync.Mutex
	held map[string]heldLock
	now  func() time.Time
}

type heldLock struct {
	token   string
	expires time.Time
}

func NewMemoryBulkLock() *MemoryBulkLock {
	return &MemoryBulkLock{held: make(map[string]heldLock), now: time.Now}
}

func (l *MemoryBulkLock) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, ErrBulkInProgress
	}
	token := uuid.NewString()
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
	}, nil
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisBulkLock 基于 Redis SET NX PX 的分布式锁，适用于多实例部署
type RedisBulkLock struct {
	client redis.UniversalClient
	prefix string
	logger *logrus.Logger
}

func NewRedisBulkLock(client redis.UniversalClient, logger *logrus.Logger) *RedisBulkLock {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisBulkLock{client: client, prefix: "controlhub:bulk:", logger: logger}
}

func (l *RedisBulkLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire bulk lock: %w", err)
	}
	if !ok {
		return nil, ErrBulkInProgress
	}
	return func() { l.release(fullKey, token) }, nil
}

// release failures leave the key until its TTL runs out
func (l *RedisBulkLock) release(fullKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
		l.logger.WithError(err).WithField("key", fullKey).Warn("release bulk lock failed, key held until ttl")
	}
}
