// Package lock guarantees at most one writer per document.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another writer holds the key.
var ErrLocked = errors.New("document is locked by another writer")

// ErrLeaseLost is returned when a lease expired or was taken over.
var ErrLeaseLost = errors.New("lock lease lost")

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// RedisLocker uses SET NX PX with a random token per lease.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLease{client: l.client, key: fullKey, token: token, ttl: ttl}, nil
}

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MemoryLocker is the single-process fallback when no Redis is configured.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.leases[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token, ttl: ttl}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
	ttl    time.Duration
}

func (m *memoryLease) Refresh(context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[m.key]
	now := l.now()
	if !ok || cur.token != m.token || !now.Before(cur.expires) {
		return ErrLeaseLost
	}
	cur.expires = now.Add(m.ttl)
	l.leases[m.key] = cur
	return nil
}

func (m *memoryLease) Release(context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[m.key]
	if !ok || cur.token != m.token {
		return ErrLeaseLost
	}
	delete(l.leases, m.key)
	return nil
}
