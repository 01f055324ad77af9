package server

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether a client may issue another request.
type Limiter interface {
	Allow(ctx context.Context, client string) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-process token bucket per client.
type MemoryLimiter struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	idle      time.Duration
	visitors  map[string]*visitor
	lastSweep time.Time
	clockNow  func() time.Time
}

// NewMemoryLimiter allows requestsPerMinute on average with the given burst.
func NewMemoryLimiter(requestsPerMinute float64, burst int) *MemoryLimiter {
	perSecond := requestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &MemoryLimiter{
		perSec:   rate.Limit(perSecond),
		burst:    burst,
		idle:     5 * time.Minute,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, client string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clockNow()
	if now.Sub(m.lastSweep) >= m.idle/2 {
		m.sweep(now)
	}
	entry, ok := m.visitors[client]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(m.perSec, m.burst)}
		m.visitors[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1), nil
}

// sweep drops clients idle for longer than m.idle. Allow runs it at most once
// per half idle period. Callers hold m.mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	m.lastSweep = now
	for id, entry := range m.visitors {
		if now.Sub(entry.lastSeen) > m.idle {
			delete(m.visitors, id)
		}
	}
}

// RedisCounter is the subset of the Redis client used by RedisLimiter.
// *redis.Client satisfies it.
type RedisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// NewRedisClient connects to the shared limiter backend.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// RedisLimiter enforces a fixed window shared by every replica.
type RedisLimiter struct {
	client   RedisCounter
	limit    int64
	window   time.Duration
	prefix   string
	clockNow func() time.Time
}

// NewRedisLimiter allows limit requests per client per window.
func NewRedisLimiter(client RedisCounter, limit int64, window time.Duration) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis limiter: client required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("redis limiter: limit must be positive")
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisLimiter{
		client:   client,
		limit:    limit,
		window:   window,
		prefix:   "requestbook:ratelimit:",
		clockNow: time.Now,
	}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, client string) (bool, error) {
	bucket := l.clockNow().Unix() / int64(l.window/time.Second)
	key := l.prefix + client + ":" + strconv.FormatInt(bucket, 10)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("redis limiter: expire: %w", err)
		}
	}
	return count <= l.limit, nil
}
